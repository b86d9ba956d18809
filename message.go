package main

import "fmt"

const (
	MsgNoPeople  = "No people detected in the image"
	MsgOnePerson = "Detected 1 person in the image"
	msgPeople    = "Detected %d people in the image"
)

func countMessage(count int) string {
	switch count {
	case 0:
		return MsgNoPeople
	case 1:
		return MsgOnePerson
	default:
		return fmt.Sprintf(msgPeople, count)
	}
}
