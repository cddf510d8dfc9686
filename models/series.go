package models

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// SERIES ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Point is a single dated observation.
type Point struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// Series is an ordered sequence of points with unique, ascending dates.
type Series []Point

// Values returns the series values in order.
func (s Series) Values() []float64 {
	out := make([]float64, len(s))
	for i, p := range s {
		out[i] = p.Value
	}
	return out
}

// Clone returns an independent copy of s.
func (s Series) Clone() Series {
	if s == nil {
		return nil
	}
	out := make(Series, len(s))
	copy(out, s)
	return out
}

// DirectionalShare reports the fraction of day-over-day steps that moved up,
// down or stayed flat.
type DirectionalShare struct {
	Up   float64 `json:"up"`
	Down float64 `json:"down"`
	Flat float64 `json:"flat"`
}

// Period selects the bucket size used when aggregating a series.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)
