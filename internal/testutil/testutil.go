// Package testutil provides shared test utilities and fixtures.
//
// The fixtures are deterministic so assertions on counts, bounds and colour
// buffers stay stable between runs.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/lidarview/internal/parse"
	"github.com/banshee-data/lidarview/internal/pointcloud"
	"github.com/banshee-data/lidarview/internal/session"
	"github.com/banshee-data/lidarview/internal/timeutil"
)

// Epoch is the fixed start time of fixture clocks.
var Epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// DecodeJSON unmarshals a recorded response body into v.
func DecodeJSON(t testing.TB, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

// RingSamples returns n planar readings at distance spread evenly round a
// full turn, with intensity rising from 0 to 255.
func RingSamples(n int, distance float64) []pointcloud.RawSample {
	out := make([]pointcloud.RawSample, n)
	for i := range out {
		intensity := 0.0
		if n > 1 {
			intensity = 255 * float64(i) / float64(n-1)
		}
		out[i] = pointcloud.RawSample{
			Distance:  distance,
			Angle1:    360 * float64(i) / float64(n),
			Intensity: intensity,
		}
	}
	return out
}

// GridPoints returns n points on a 1 m grid in the z=0 plane, ten per row.
func GridPoints(n int) []pointcloud.Point {
	out := make([]pointcloud.Point, n)
	for i := range out {
		out[i] = pointcloud.Point{
			X:         float64(i % 10),
			Y:         float64(i / 10),
			Intensity: float64(i % 256),
		}
	}
	return out
}

// NewSession creates a session with a mock clock at Epoch and closes it
// when the test ends. mutate may adjust the default config.
func NewSession(t testing.TB, mutate func(*session.Config), opts ...session.Option) (*session.Session, *timeutil.MockClock) {
	t.Helper()
	cfg := session.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clock := timeutil.NewMockClock(Epoch)
	s, err := session.New(cfg, append([]session.Option{session.WithClock(clock)}, opts...)...)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

// Integrate dispatches samples into s as one batch.
func Integrate(t testing.TB, s *session.Session, samples []pointcloud.RawSample) {
	t.Helper()
	err := s.Dispatch(session.SampleBatch{Source: "fixture", Batch: parse.Batch{Samples: samples}})
	if err != nil {
		t.Fatalf("failed to integrate samples: %v", err)
	}
}
