package processor

import (
	"errors"
	"math"

	"ratedash/models"
)

// DefaultWindow is the moving average window used when none is given.
const DefaultWindow = 7

// FlatEpsilon is the largest step still classified as flat.
const FlatEpsilon = 1e-9

// ErrZeroBase is returned when a transform would divide by a zero first value.
var ErrZeroBase = errors.New("series base value is zero")

// MovingAverage returns the trailing mean over the last window points at each
// position, using fewer points while the window is still filling.
func MovingAverage(s models.Series, window int) models.Series {
	if window <= 0 {
		window = DefaultWindow
	}
	out := make(models.Series, len(s))
	sum := 0.0
	for i, p := range s {
		sum += p.Value
		if i >= window {
			sum -= s[i-window].Value
		}
		n := i + 1
		if n > window {
			n = window
		}
		out[i] = models.Point{Date: p.Date, Value: sum / float64(n)}
	}
	return out
}

// Normalize100 rescales s so its first value becomes 100.
func Normalize100(s models.Series) (models.Series, error) {
	if len(s) == 0 {
		return s, nil
	}
	base := s[0].Value
	if base == 0 || math.IsNaN(base) || math.IsInf(base, 0) {
		return nil, ErrZeroBase
	}
	out := make(models.Series, len(s))
	for i, p := range s {
		out[i] = models.Point{Date: p.Date, Value: p.Value / base * 100}
	}
	return out, nil
}

// PercentChange returns the change from the first to the last value, in
// percent. Series shorter than two points report zero.
func PercentChange(s models.Series) (float64, error) {
	if len(s) < 2 {
		return 0, nil
	}
	first, last := s[0].Value, s[len(s)-1].Value
	if first == 0 {
		return 0, ErrZeroBase
	}
	return (last - first) / first * 100, nil
}

// DirectionalShare classifies each consecutive step as up, down or flat and
// returns the fraction of each.
func DirectionalShare(s models.Series) models.DirectionalShare {
	var up, down, flat int
	for i := 1; i < len(s); i++ {
		diff := s[i].Value - s[i-1].Value
		switch {
		case diff > FlatEpsilon:
			up++
		case diff < -FlatEpsilon:
			down++
		default:
			flat++
		}
	}
	total := up + down + flat
	if total < 1 {
		total = 1
	}
	return models.DirectionalShare{
		Up:   float64(up) / float64(total),
		Down: float64(down) / float64(total),
		Flat: float64(flat) / float64(total),
	}
}
