// Package rtsession implements the per-connection state machine: capability
// negotiation, audio buffering, and turn dispatch into the pipeline
// orchestrator. One Session exists per client connection and is owned
// exclusively by the wire adapter that reads frames off that connection.
//
// A Session never talks to the wire itself; it reports outbound events
// through a Sink, which the wire adapter implements to encode frames.
package rtsession

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/voxrelay/voxrelay/internal/convo"
	"github.com/voxrelay/voxrelay/internal/pipeline"
	"github.com/voxrelay/voxrelay/pkg/backend/tts"
)

// State is one of the three states a Session cycles through for the
// lifetime of a turn.
type State string

const (
	StateIdle       State = "idle"
	StateReceiving  State = "receiving"
	StateProcessing State = "processing"
)

// Capabilities is the client's declared feature set. The zero value
// ({false, false}) is the default until a capabilities frame arrives, and
// means "server does both STT and TTS for this client" is disabled in
// neither direction; hasSTT/hasTTS instead say whether the *client* already
// owns that leg, so the server skips its own.
type Capabilities struct {
	HasSTT bool
	HasTTS bool
}

// Sink receives the outbound events a Session produces. The wire adapter
// implements Sink to translate these into wire frames; tests implement it
// to record calls. Turn events are delivered from the goroutine running the
// current turn, while a ProtocolError rejection is reported from the
// goroutine calling the Handle* method, so Error can run concurrently with
// a turn's callbacks and an implementation must be safe for concurrent use.
type Sink interface {
	Transcript(text string)
	ResponseChunk(text string)
	Audio(samples []float32, sampleRate int)
	ToolCall(id, name string, arguments map[string]any)
	ToolResult(id string, content string)
	Complete()
	Error(kind pipeline.Kind, message string)
}

// Session is the state machine for one client connection. The zero value
// is not usable; construct with New.
type Session struct {
	pipeline     *pipeline.Pipeline
	sink         Sink
	systemPrompt string
	connCtx      context.Context

	mu              sync.Mutex
	state           State
	capabilities    Capabilities
	capabilitiesSet bool
	audioFrames     []float32
	conv            *convo.ConversationContext
	destroyed       bool

	turnCancel  context.CancelFunc
	activeToken uint64
	nextToken   uint64
}

// New creates a Session bound to connCtx, the lifetime context of the
// underlying connection; cancelling connCtx (or calling Disconnect) ends
// any turn in flight. systemPrompt seeds the conversation and is restored
// on clear_history.
func New(connCtx context.Context, p *pipeline.Pipeline, systemPrompt string, sink Sink) *Session {
	return &Session{
		pipeline:     p,
		sink:         sink,
		systemPrompt: systemPrompt,
		connCtx:      connCtx,
		state:        StateIdle,
		conv:         convo.New(uuid.NewString(), systemPrompt),
	}
}

// State returns the Session's current state. Intended for tests and
// diagnostics; callers must not use it to decide whether to send a frame,
// since it can change the instant the lock is released.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) rejectLocked(message string) {
	s.sink.Error(pipeline.KindProtocolError, message)
}

// HandleCapabilities processes a capabilities frame. Valid only in Idle
// (before the first turn or between turns); a capabilities frame arriving
// while an utterance is being received or a turn is processing is
// rejected with ProtocolError rather than silently re-negotiating skip
// flags partway through a response.
func (s *Session) HandleCapabilities(caps Capabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	if s.state != StateIdle {
		s.rejectLocked("capabilities received after a turn has started")
		return
	}
	s.capabilities = caps
	s.capabilitiesSet = true
}

// HandleAudioChunk appends one chunk of inbound PCM to the current
// utterance buffer, transitioning Idle to Receiving on the first chunk.
//
// An audio chunk arriving before any capabilities frame is rejected with
// ProtocolError rather than buffered under assumed defaults: a client
// capable of streaming audio is expected to declare its capabilities
// first, even a {false,false} one.
func (s *Session) HandleAudioChunk(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	switch s.state {
	case StateIdle:
		if !s.capabilitiesSet {
			s.rejectLocked("audio received before capabilities")
			return
		}
		s.state = StateReceiving
		s.audioFrames = append(s.audioFrames, samples...)
	case StateReceiving:
		s.audioFrames = append(s.audioFrames, samples...)
	case StateProcessing:
		s.rejectLocked("audio received while a turn is processing")
	}
}

// HandleEndAudio closes the current utterance and, if it carried any
// samples, dispatches it to the pipeline's STT+LLM+TTS turn. An end_audio
// with no preceding audio chunk (in Idle) or an utterance that accumulated
// zero samples is reported as the boundary error "no audio received"
// rather than started as an empty turn.
func (s *Session) HandleEndAudio() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if s.state == StateProcessing {
		s.rejectLocked("end_audio received while a turn is processing")
		s.mu.Unlock()
		return
	}

	samples := s.audioFrames
	s.audioFrames = nil
	if len(samples) == 0 {
		s.state = StateIdle
		s.sink.Error(pipeline.KindEmptyTranscript, "no audio received")
		s.mu.Unlock()
		return
	}

	turnCtx, token, hasTTS := s.beginTurnLocked()
	s.mu.Unlock()

	go s.runTurn(token, hasTTS, func(cb pipeline.Callbacks) ([]convo.Message, error) {
		return s.pipeline.ProcessAudio(turnCtx, s.conv, samples, cb)
	})
}

// HandleText dispatches a pre-transcribed utterance (from a client that
// owns its own STT) straight into the LLM+TTS turn. Any partially
// buffered audio is discarded: text and audio are mutually exclusive input
// for a single turn.
func (s *Session) HandleText(text string) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if s.state == StateProcessing {
		s.rejectLocked("text received while a turn is processing")
		s.mu.Unlock()
		return
	}

	s.audioFrames = nil
	turnCtx, token, hasTTS := s.beginTurnLocked()
	s.mu.Unlock()

	go s.runTurn(token, hasTTS, func(cb pipeline.Callbacks) ([]convo.Message, error) {
		return s.pipeline.ProcessText(turnCtx, s.conv, text, cb)
	})
}

// HandleClearHistory resets the conversation back to a single system
// message. Rejected with ProtocolError while a turn is processing, since
// the in-flight turn is still appending to the very history being reset.
func (s *Session) HandleClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	if s.state == StateProcessing {
		s.rejectLocked("clear_history received while a turn is processing")
		return
	}
	s.audioFrames = nil
	s.state = StateIdle
	s.conv.Reset(s.systemPrompt)
}

// Disconnect tears the Session down: any in-flight turn's context is
// cancelled and no further inbound frame is processed. Disconnect is
// idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	cancel := s.turnCancel
	s.turnCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// beginTurnLocked transitions into Processing and mints a fresh
// cancellation context and token for the turn about to start. Must be
// called with s.mu held; returns with the lock still held.
func (s *Session) beginTurnLocked() (context.Context, uint64, bool) {
	s.state = StateProcessing
	turnCtx, cancel := context.WithCancel(s.connCtx)
	s.turnCancel = cancel
	s.nextToken++
	token := s.nextToken
	s.activeToken = token
	return turnCtx, token, s.capabilities.HasTTS
}

// runTurn runs one pipeline turn to completion, translating its callbacks
// into Sink calls, then returns the Session to Idle — but only if token is
// still the active turn. A superseded token (the turn was cancelled by
// Disconnect and a cleanup race lets this goroutine still finish) must not
// clobber state a newer turn, or Disconnect, has already set.
func (s *Session) runTurn(token uint64, hasTTS bool, run func(pipeline.Callbacks) ([]convo.Message, error)) {
	cb := pipeline.Callbacks{
		OnTranscript:    s.sink.Transcript,
		OnResponseChunk: s.sink.ResponseChunk,
		OnAudio: func(p tts.AudioPlayable) {
			if !p.Buffered {
				return
			}
			s.sink.Audio(p.Samples, p.SampleRate)
		},
		OnToolCall: func(c convo.ToolCall) {
			s.sink.ToolCall(c.ID, c.Name, c.Arguments)
		},
		OnToolResult: func(id string, content string, err error) {
			s.sink.ToolResult(id, content)
		},
		OnComplete: s.sink.Complete,
		OnError: func(err error) {
			s.sink.Error(kindOf(err), err.Error())
		},
		SkipTTS: hasTTS,
	}

	run(cb)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.activeToken != token {
		return
	}
	s.state = StateIdle
	s.turnCancel = nil
	s.activeToken = 0
}

func kindOf(err error) pipeline.Kind {
	var pErr *pipeline.Error
	if errors.As(err, &pErr) {
		return pErr.Kind
	}
	return pipeline.KindBackendFailure
}
