package detect

import (
	"fmt"

	"visionq/internal/config"
	"visionq/internal/detect/mock"
	"visionq/internal/detect/remote"
)

// NewDetector constructs the configured detector backend. Called once at
// process startup by both the server and the worker.
func NewDetector(cfg config.DetectorConfig) (Detector, error) {
	switch cfg.Provider {
	case "mock":
		return mock.NewDetector(), nil
	case "remote":
		return remote.NewDetector(cfg), nil
	default:
		return nil, fmt.Errorf("unknown detector provider %q: must be one of mock, remote", cfg.Provider)
	}
}

// Compile-time checks that the backends implement Detector.
var (
	_ Detector = (*mock.Detector)(nil)
	_ Detector = (*remote.Detector)(nil)
)
