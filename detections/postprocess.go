package detections

import (
	"runtime"
	"sort"
	"sync"

	"github.com/Tutortoise/people-count-service/models"

	"github.com/pkg/errors"
)

// candidate is a detection with the anchor it came from, used to keep the
// ordering stable between equal scores.
type candidate struct {
	models.Detection
	anchor int
}

// decodePredictions reads a YOLOv8 output tensor laid out as
// [4+numClasses][anchors] and returns every anchor whose best class score
// exceeds threshold, sorted by descending confidence.
func decodePredictions(predictions []float32, numClasses int, geom letterbox, threshold float32) ([]candidate, error) {
	channels := boxChannels + numClasses
	if numClasses <= 0 || len(predictions) == 0 || len(predictions)%channels != 0 {
		return nil, errors.Errorf("unexpected predictions length %d for %d classes", len(predictions), numClasses)
	}
	numPredictions := len(predictions) / channels

	const chunkSize = 512
	numWorkers := runtime.NumCPU()
	jobs := make(chan int, numWorkers)
	results := make(chan []candidate, numWorkers)

	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]candidate, 0, 32)

			for start := range jobs {
				end := start + chunkSize
				if end > numPredictions {
					end = numPredictions
				}

				for i := start; i < end; i++ {
					classID, score := -1, float32(0)
					for c := 0; c < numClasses; c++ {
						if s := predictions[(boxChannels+c)*numPredictions+i]; s > score {
							classID, score = c, s
						}
					}
					if classID < 0 || score <= threshold {
						continue
					}

					bbox := geom.toOriginal(
						predictions[i],
						predictions[numPredictions+i],
						predictions[2*numPredictions+i],
						predictions[3*numPredictions+i],
					)
					if bbox[2] <= bbox[0] || bbox[3] <= bbox[1] {
						continue
					}
					local = append(local, candidate{
						Detection: models.Detection{
							BBox:       bbox,
							Label:      ClassName(classID),
							ClassID:    classID,
							Confidence: score,
						},
						anchor: i,
					})
				}
			}

			if len(local) > 0 {
				results <- local
			}
		}()
	}

	go func() {
		for i := 0; i < numPredictions; i += chunkSize {
			jobs <- i
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var candidates []candidate
	for chunk := range results {
		candidates = append(candidates, chunk...)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].anchor < candidates[j].anchor
	})

	return candidates, nil
}
