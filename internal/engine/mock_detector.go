package engine

import (
	"context"
	"sync"

	"github.com/Veraticus/derma-loop/internal/detector"
	"github.com/Veraticus/derma-loop/internal/model"
)

// MockDetector is a test implementation of the Detector interface.
// It returns a fixed response and records every call.
type MockDetector struct {
	Err         error
	ResultImage []byte
	Predictions []model.BoundingBox
	calls       []MockDetectCall
	mu          sync.Mutex
}

// MockDetectCall records one Detect request.
type MockDetectCall struct {
	Filename string
	Size     int
}

// NewMockDetector creates a detector that always returns predictions.
func NewMockDetector(predictions ...model.BoundingBox) *MockDetector {
	return &MockDetector{Predictions: predictions}
}

// Detect implements Detector.
func (m *MockDetector) Detect(_ context.Context, filename string, data []byte) (*detector.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockDetectCall{Filename: filename, Size: len(data)})
	if m.Err != nil {
		return nil, m.Err
	}

	predictions := make([]model.BoundingBox, len(m.Predictions))
	copy(predictions, m.Predictions)
	return &detector.Response{Predictions: predictions, ResultImage: m.ResultImage}, nil
}

// Calls returns the recorded calls.
func (m *MockDetector) Calls() []MockDetectCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockDetectCall(nil), m.calls...)
}
