package units

import (
	"math"
	"testing"
)

func TestConvertDistance(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		from, to string
		expected float64
	}{
		{"1500 mm to m", 1500, MM, M, 1.5},
		{"12 cm to mm", 12, CM, MM, 120},
		{"2 m to cm", 2, M, CM, 200},
		{"1 ft to in", 1, FT, INCH, 12},
		{"1 in to mm", 1, INCH, MM, 25.4},
		{"same unit", 7, M, M, 7},
		{"unknown source leaves value", 7, "yd", M, 7},
		{"unknown target leaves value", 7, M, "", 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ConvertDistance(tt.value, tt.from, tt.to)
			if math.Abs(result-tt.expected) > 1e-9 {
				t.Errorf("ConvertDistance(%f, %s, %s) = %f, want %f", tt.value, tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestScaleFactor(t *testing.T) {
	s, err := ScaleFactor(CM, M)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(s-0.01) > 1e-12 {
		t.Errorf("ScaleFactor(cm, m) = %f, want 0.01", s)
	}

	if _, err := ScaleFactor("furlong", M); err == nil {
		t.Error("expected error for unknown unit")
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name     string
		unit     string
		expected bool
	}{
		{"valid mm", MM, true},
		{"valid cm", CM, true},
		{"valid m", M, true},
		{"valid in", INCH, true},
		{"valid ft", FT, true},
		{"invalid unit", "invalid", false},
		{"empty string", "", false},
		{"case sensitive", "MM", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.unit); got != tt.expected {
				t.Errorf("IsValid(%q) = %v, want %v", tt.unit, got, tt.expected)
			}
		})
	}
}

func TestGetValidUnitsString(t *testing.T) {
	if got := GetValidUnitsString(); got != "mm, cm, m, in, ft" {
		t.Errorf("GetValidUnitsString() = %q", got)
	}
}
