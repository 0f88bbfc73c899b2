// Package confidence grades how well retrieved sources support an answer.
package confidence

import "math"

type Bucket string

const (
	High   Bucket = "high"
	Medium Bucket = "medium"
	Low    Bucket = "low"
)

const (
	highFloor   = 80
	mediumFloor = 60
	maxBonus    = 5
)

// Score is a confidence grade. Value is in [0, 100].
type Score struct {
	Bucket Bucket `json:"bucket"`
	Value  int    `json:"value"`
}

// BucketFor maps a value to its bucket: 80 and above is high, 60 to 79
// medium, everything below low.
func BucketFor(value int) Bucket {
	switch {
	case value >= highFloor:
		return High
	case value >= mediumFloor:
		return Medium
	default:
		return Low
	}
}

// Compute scores a ranked list of similarities (best first). The top match
// dominates; the mean and the number of extra supporting sources add a
// smaller contribution.
func Compute(similarities []float64) Score {
	if len(similarities) == 0 {
		return Score{Bucket: Low, Value: 0}
	}
	top := similarities[0]
	var sum float64
	for _, s := range similarities {
		sum += s
		top = max(top, s)
	}
	mean := sum / float64(len(similarities))

	value := int(math.Round(100 * (0.75*clamp01(top) + 0.25*clamp01(mean))))
	value += min(len(similarities)-1, maxBonus)
	value = max(0, min(100, value))
	return Score{Bucket: BucketFor(value), Value: value}
}

// Forced returns the score with its bucket overridden to low, as used when
// no source met the similarity threshold.
func (s Score) Forced() Score {
	return Score{Bucket: Low, Value: min(s.Value, mediumFloor-1)}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return max(0, min(1, v))
}
