package sink

import "strconv"

// Fixed6 serializes to JSON with fixed six-decimal precision (spec §4.6:
// "all numbers are printed with fixed six-decimal precision, except the
// regression coefficients"). encoding/json's default float formatting picks
// the shortest round-trippable representation, which doesn't satisfy that;
// MarshalJSON below emits the token directly instead.
type Fixed6 float64

func (f Fixed6) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(float64(f), 'f', 6, 64)), nil
}

func fixed6Slice(in []float64) []Fixed6 {
	out := make([]Fixed6, len(in))
	for i, v := range in {
		out[i] = Fixed6(v)
	}
	return out
}
