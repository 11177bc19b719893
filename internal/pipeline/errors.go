package pipeline

import (
	"errors"
	"fmt"

	"github.com/voxrelay/voxrelay/internal/resilience"
)

// Kind names one of the error categories surfaced to the client as an
// "error" event, per the protocol's error handling design.
type Kind string

const (
	// KindNoSTT: end_audio received but no STT adapter is configured and
	// the client didn't send text instead.
	KindNoSTT Kind = "NoSTT"

	// KindEmptyTranscript: STT returned whitespace only.
	KindEmptyTranscript Kind = "EmptyTranscript"

	// KindBackendFailure: an STT/LLM/TTS adapter call failed.
	KindBackendFailure Kind = "BackendFailure"

	// KindCircuitOpen: the adapter call was rejected outright by its
	// circuit breaker without ever reaching the back-end, because that
	// stage has been failing too consistently to keep trying.
	KindCircuitOpen Kind = "CircuitOpen"

	// KindUnknownTool: the LLM requested a tool not in the registry.
	// Captured into a tool message; the loop continues. Exposed here only
	// for callers that want to distinguish it in logs/metrics.
	KindUnknownTool Kind = "UnknownTool"

	// KindToolExecutionFailure: a tool's Execute returned an error.
	KindToolExecutionFailure Kind = "ToolExecutionFailure"

	// KindOpaqueAudioToRemote: an Opaque playable was produced but the
	// client expects raw audio. Configuration bug; terminates the turn.
	KindOpaqueAudioToRemote Kind = "OpaqueAudioToRemote"

	// KindProtocolError: a malformed inbound frame or invalid operation
	// for the session's current state.
	KindProtocolError Kind = "ProtocolError"
)

// Error is the error type returned by Pipeline's processX methods and
// delivered to Callbacks.OnError. Its Kind is what the session handler
// reports to the client as the error event's "kind" field.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipeline: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("pipeline: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// kindForBreakerErr picks KindCircuitOpen when err is a breaker rejection
// (the call never reached the back-end) and KindBackendFailure otherwise.
func kindForBreakerErr(err error) Kind {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return KindCircuitOpen
	}
	return KindBackendFailure
}
