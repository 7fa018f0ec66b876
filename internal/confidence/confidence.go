/**
 * Confidence arithmetic shared by every pipeline stage
 *
 * A field's confidence may only go down as it moves from recognition through
 * parsing and validation. The single exception is a confirmed reference match,
 * which raises the value to a floor. All stages go through these helpers so the
 * rule lives in one place.
 */

package confidence

import "math"

// Clamp bounds c to [0, 1]. NaN becomes 0.
func Clamp(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Lower returns proposed when it does not exceed current, otherwise current.
// A stage calls Lower with whatever it computed; it can never increase the value.
func Lower(current, proposed float64) float64 {
	current = Clamp(current)
	proposed = Clamp(proposed)
	if proposed < current {
		return proposed
	}
	return current
}

// Discount lowers current by a fractional penalty in [0, 1].
func Discount(current, penalty float64) float64 {
	return Lower(current, current*(1-Clamp(penalty)))
}

// RaiseToFloor lifts current to at least floor, capped at 1.0.
// Only an exact reference match is allowed to call this.
func RaiseToFloor(current, floor float64) float64 {
	current = Clamp(current)
	floor = Clamp(floor)
	if current < floor {
		return floor
	}
	return current
}

// Min returns the smallest of values, or 0 when there are none.
func Min(values ...float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := Clamp(values[0])
	for _, v := range values[1:] {
		if v = Clamp(v); v < m {
			m = v
		}
	}
	return m
}

// Sanitize clamps and rounds to 4 decimal places.
// PostgreSQL NUMERIC(5,4) columns reject values like 0.9632000000000001.
func Sanitize(c float64) float64 {
	c = Clamp(c)
	return math.Round(c*10000) / 10000
}
