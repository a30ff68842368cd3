// Package units provides shared constants and conversion for distance units.
// Sensors report millimetres or centimetres while the viewer works in
// metres, so the transform scale is usually derived from a unit pair.
package units

import (
	"fmt"
	"strings"
)

// Unit constants
const (
	MM   = "mm"
	CM   = "cm"
	M    = "m"
	INCH = "in"
	FT   = "ft"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MM, CM, M, INCH, FT}

// metres per unit
var perUnit = map[string]float64{
	MM:   0.001,
	CM:   0.01,
	M:    1,
	INCH: 0.0254,
	FT:   0.3048,
}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	_, ok := perUnit[unit]
	return ok
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ScaleFactor returns the multiplier that converts a distance in from into
// a distance in to.
func ScaleFactor(from, to string) (float64, error) {
	f, ok := perUnit[from]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q (valid: %s)", from, GetValidUnitsString())
	}
	t, ok := perUnit[to]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q (valid: %s)", to, GetValidUnitsString())
	}
	return f / t, nil
}

// ConvertDistance converts v between units. Unknown units leave v unchanged.
func ConvertDistance(v float64, from, to string) float64 {
	s, err := ScaleFactor(from, to)
	if err != nil {
		return v
	}
	return v * s
}
