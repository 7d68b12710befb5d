// Package detector locates faces in a frame and produces a fixed-length
// embedding per face. The production implementation talks to the embedding
// server; the interface exists so the pipeline and tests can swap it.
package detector

import (
	"context"
	"fmt"
)

// Frame is one still image pulled from a device folder. Immutable once read.
type Frame struct {
	DeviceID  string
	Filename  string
	CaptureTS int64 // milliseconds, from the filename
	Data      []byte
}

// Detection is one face found in a frame.
type Detection struct {
	FaceIndex int
	BBox      []float64 // [x1, y1, x2, y2] in pixels
	Embedding []float32
	Score     float64
}

// Detector finds faces in a frame. An empty result is a normal outcome,
// not an error.
type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]Detection, error)
}

// DecodeError marks a frame that cannot be decoded as an image. Decode
// failures are permanent: the file is ledgered with an error outcome and
// never retried.
type DecodeError struct {
	Filename string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode %s: %v", e.Filename, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
