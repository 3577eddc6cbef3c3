// Package units converts simulated speeds, always held in m/s, to display units.
package units

import "fmt"

// Unit constants
const (
	MPS  = "mps"
	KMPH = "kmph"
	MPH  = "mph"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, KMPH, MPH}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// Validate returns an error naming the valid units when unit is unknown.
func Validate(unit string) error {
	if !IsValid(unit) {
		return fmt.Errorf("invalid speed unit %q (valid: mps, kmph, mph)", unit)
	}
	return nil
}

// ConvertSpeed converts a speed from metres per second to the target unit.
// Unknown units return the input unchanged.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case KMPH:
		return speedMPS * 3.6
	case MPH:
		return speedMPS * 2.2369362920544
	default:
		return speedMPS
	}
}

// Label returns the short column label for a unit.
func Label(unit string) string {
	switch unit {
	case KMPH:
		return "km/h"
	case MPH:
		return "mph"
	default:
		return "m/s"
	}
}
