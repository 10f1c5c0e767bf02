// Package units provides shared constants and conversions for speed and
// distance units.
package units

// Speed unit constants
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

// Knot is one nautical mile per hour in metres per second.
const Knot = 0.514444

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, MPH, KMPH, KPH}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// ConvertSpeed converts a speed from metres per second to the target units.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case MPH:
		return speedMPS * 2.23694
	case KMPH, KPH:
		return MPSToKPH(speedMPS)
	default:
		return speedMPS
	}
}

// MPSToKPH converts metres per second to kilometres per hour.
func MPSToKPH(v float64) float64 { return v * 3.6 }

// KPHToMPS converts kilometres per hour to metres per second.
func KPHToMPS(v float64) float64 { return v / 3.6 }

// KnotsToMPS converts knots to metres per second.
func KnotsToMPS(v float64) float64 { return v * Knot }

// MetersToKm converts metres to kilometres.
func MetersToKm(m float64) float64 { return m / 1000 }
