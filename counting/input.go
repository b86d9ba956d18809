package counting

import (
	"encoding/base64"
	"strings"
)

// ImageInput is the encoded image carried by a request. It is either RawBytes
// or Base64Text; the variant is chosen once, where the request is parsed.
type ImageInput interface {
	bytes() ([]byte, error)
}

// RawBytes is an image file as uploaded.
type RawBytes []byte

// Base64Text is a base64 encoded image file. A data URL prefix such as
// "data:image/png;base64," is accepted.
type Base64Text string

func (b RawBytes) bytes() ([]byte, error) {
	return b, nil
}

func (t Base64Text) bytes() ([]byte, error) {
	s := strings.TrimSpace(string(t))
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Some clients strip the padding.
		if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); rawErr == nil {
			return raw, nil
		}
		return nil, err
	}
	return data, nil
}
