// Package tts defines the uniform interface the orchestrator uses for
// text-to-speech back-ends and the AudioPlayable result they produce.
package tts

import "context"

// ProgressFunc reports load/warm-up progress as a fraction in [0,1].
type ProgressFunc func(fraction float64)

// AudioPlayable is a synthesis result. Exactly one of Buffered or Opaque is
// true for any given value; the orchestrator only enforces the protocol
// (forwarding Buffered audio over the wire, rejecting Opaque), it never
// inspects synthesis internals.
type AudioPlayable struct {
	// Buffered is true when Samples/SampleRate carry real PCM data that can
	// be serialised to the wire. This is the preferred shape and the only
	// one the session handler can forward to a remote client.
	Buffered bool

	// Samples is mono float32 PCM in [-1, 1]. Valid only when Buffered.
	Samples []float32

	// SampleRate is the sample rate of Samples, in Hz. Valid only when
	// Buffered.
	SampleRate int

	// Opaque is true when synthesis happens at playback time and no raw
	// samples are available; such a playable must never be forwarded over
	// the wire.
	Opaque bool
}

// Pipeline is the contract every TTS back-end adapter implements.
type Pipeline interface {
	// Initialize loads models/weights and performs any warm-up. progressCb
	// may be nil. Initialize is called once at process startup.
	Initialize(ctx context.Context, progressCb ProgressFunc) error

	// Synthesize converts already-normalised text into an AudioPlayable.
	// Implementations must accept arbitrary ASCII text.
	Synthesize(ctx context.Context, text string) (AudioPlayable, error)

	// IsReady reports whether Initialize has completed successfully.
	IsReady() bool
}
