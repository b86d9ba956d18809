package detections

import (
	"github.com/Tutortoise/people-count-service/models"

	"github.com/chewxy/math32"
)

// applyNMS runs greedy class-aware non-maximum suppression over candidates
// sorted by descending confidence and keeps at most maxDetections.
func applyNMS(candidates []candidate, iouThreshold float32, maxDetections int) []models.Detection {
	kept := make([]models.Detection, 0, len(candidates))
	suppressed := make([]bool, len(candidates))

	for i := range candidates {
		if suppressed[i] {
			continue
		}
		if maxDetections > 0 && len(kept) == maxDetections {
			break
		}

		anchor := candidates[i].Detection
		kept = append(kept, anchor)

		for j := i + 1; j < len(candidates); j++ {
			if suppressed[j] || candidates[j].ClassID != anchor.ClassID {
				continue
			}
			if calculateIOU(anchor.BBox, candidates[j].BBox) > iouThreshold {
				suppressed[j] = true
			}
		}
	}

	return kept
}

func calculateIOU(box1, box2 [4]float32) float32 {
	x1 := math32.Max(box1[0], box2[0])
	y1 := math32.Max(box1[1], box2[1])
	x2 := math32.Min(box1[2], box2[2])
	y2 := math32.Min(box1[3], box2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := (box1[2] - box1[0]) * (box1[3] - box1[1])
	area2 := (box2[2] - box2[0]) * (box2[3] - box2[1])
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0
	}

	return intersection / union
}
