package engine

import (
	"context"

	"github.com/Veraticus/derma-loop/internal/detector"
)

// Detector defines the contract for the lesion detection service.
type Detector interface {
	Detect(ctx context.Context, filename string, data []byte) (*detector.Response, error)
}
