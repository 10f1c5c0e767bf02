// Package testutil provides shared test helpers: HTTP assertions and
// synthetic GPS tracks.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/fieldtrack/internal/geo"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertHeaderContains checks that header key of rec contains want.
func AssertHeaderContains(t *testing.T, rec *httptest.ResponseRecorder, key, want string) {
	t.Helper()
	if got := rec.Header().Get(key); !strings.Contains(got, want) {
		t.Errorf("header %s = %q, want it to contain %q", key, got, want)
	}
}

// DecodeJSON unmarshals the recorded body into a T.
func DecodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// Track generates fixes along a straight line.
type Track struct {
	Lat, Lon   float64
	BearingDeg float64
	Start      time.Time
	Interval   time.Duration
	AccuracyM  float64
}

// Walk returns n fixes spaced stepM metres apart, each moving at the speed
// implied by the step and the interval. The first fix sits at the origin.
func (tr Track) Walk(n int, stepM float64) []tracking.RawFix {
	acc := tr.AccuracyM
	if acc == 0 {
		acc = 5
	}
	speed := 0.0
	if tr.Interval > 0 {
		speed = stepM / tr.Interval.Seconds()
	}
	fixes := make([]tracking.RawFix, n)
	for i := range fixes {
		lat, lon := geo.Offset(tr.Lat, tr.Lon, tr.BearingDeg, stepM*float64(i))
		fixes[i] = tracking.RawFix{
			Latitude:  lat,
			Longitude: lon,
			AccuracyM: acc,
			SpeedMps:  speed,
			Time:      tr.Start.Add(time.Duration(i) * tr.Interval),
		}
	}
	return fixes
}

// Dwell returns n stationary fixes at the origin.
func (tr Track) Dwell(n int) []tracking.RawFix {
	fixes := tr.Walk(n, 0)
	for i := range fixes {
		fixes[i].SpeedMps = 0
	}
	return fixes
}
