// Package stt defines the uniform interface the orchestrator uses for
// speech-to-text back-ends, independent of the underlying model or vendor.
package stt

import "context"

// ProgressFunc reports load/warm-up progress as a fraction in [0,1].
type ProgressFunc func(fraction float64)

// Pipeline is the contract every STT back-end adapter implements.
//
// Implementations must be safe for concurrent use: Transcribe may be called
// from multiple sessions at once.
type Pipeline interface {
	// Initialize loads models/weights and performs any warm-up. progressCb
	// may be nil. Initialize is called once at process startup.
	Initialize(ctx context.Context, progressCb ProgressFunc) error

	// Transcribe converts mono float32 samples at 16 kHz into text. The
	// result is trimmed of surrounding whitespace. Empty input yields an
	// empty string, not an error.
	Transcribe(ctx context.Context, samples []float32) (string, error)

	// IsReady reports whether Initialize has completed successfully.
	IsReady() bool
}
