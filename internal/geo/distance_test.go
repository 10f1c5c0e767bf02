package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceMeters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want, tolerance        float64
	}{
		{"same point", 51.5, -0.12, 51.5, -0.12, 0, 1e-9},
		{"one degree latitude", 0, 0, 1, 0, 111195, 5},
		{"london to paris", 51.5074, -0.1278, 48.8566, 2.3522, 343500, 1500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceMeters(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			assert.InDelta(t, tt.want, got, tt.tolerance)
		})
	}
}

func TestOffsetRoundTrip(t *testing.T) {
	t.Parallel()

	for _, bearing := range []float64{0, 45, 90, 180, 270} {
		lat, lon := Offset(-6.2, 106.8, bearing, 250)
		d := DistanceMeters(-6.2, 106.8, lat, lon)
		assert.InDelta(t, 250, d, 0.5, "bearing %v", bearing)
	}
}

func TestValidCoordinate(t *testing.T) {
	assert.True(t, ValidCoordinate(45, 170))
	assert.False(t, ValidCoordinate(91, 0))
	assert.False(t, ValidCoordinate(0, 181))
	assert.False(t, ValidCoordinate(math.NaN(), 0))
}
