// Package testutil provides shared test helpers and fixtures.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/khula-data/gambas/internal/nifti"
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

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// SyntheticVolume builds a small volume with a smooth intensity gradient,
// good enough to exercise resampling, registration and inference paths.
func SyntheticVolume(nx, ny, nz int, spacing [3]float64) *nifti.Volume {
	v := &nifti.Volume{
		Nx:      nx,
		Ny:      ny,
		Nz:      nz,
		Spacing: spacing,
		Data:    make([]float64, nx*ny*nz),
	}
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				v.Data[k*nx*ny+j*nx+i] = float64(i+j*2+k*3) / float64(nx+2*ny+3*nz)
			}
		}
	}
	return v
}
