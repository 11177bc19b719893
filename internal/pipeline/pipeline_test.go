package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay/internal/convo"
	"github.com/voxrelay/voxrelay/internal/resilience"
	"github.com/voxrelay/voxrelay/internal/toolregistry"
	"github.com/voxrelay/voxrelay/pkg/backend/llm"
	"github.com/voxrelay/voxrelay/pkg/backend/stt"
	"github.com/voxrelay/voxrelay/pkg/backend/tts"
)

// scriptedLLM plays back a fixed sequence of GenerateResults, one per call,
// optionally streaming tokens through opts.OnToken the way a real back-end
// would.
type scriptedLLM struct {
	mu                 sync.Mutex
	responses          []scriptedResponse
	calls              []llm.Options
	supportsTools      bool
	streamThroughTools bool
}

type scriptedResponse struct {
	tokens    []string
	toolCalls []convo.ToolCall
	err       error
}

func (s *scriptedLLM) Initialize(ctx context.Context, cb llm.ProgressFunc) error { return nil }
func (s *scriptedLLM) IsReady() bool                                            { return true }
func (s *scriptedLLM) SupportsTools() bool                                      { return s.supportsTools }
func (s *scriptedLLM) SupportsStreamingThroughTools() bool                      { return s.streamThroughTools }

func (s *scriptedLLM) Generate(ctx context.Context, messages []convo.Message, opts llm.Options) (llm.GenerateResult, error) {
	s.mu.Lock()
	idx := len(s.calls)
	s.calls = append(s.calls, opts)
	s.mu.Unlock()

	if idx >= len(s.responses) {
		return llm.GenerateResult{}, fmt.Errorf("scriptedLLM: no response programmed for call %d", idx)
	}
	resp := s.responses[idx]
	if resp.err != nil {
		return llm.GenerateResult{}, resp.err
	}

	content := strings.Join(resp.tokens, "")
	if opts.OnToken != nil {
		for _, t := range resp.tokens {
			opts.OnToken(t)
		}
	}
	finish := "stop"
	if len(resp.toolCalls) > 0 {
		finish = "tool_calls"
	}
	return llm.GenerateResult{Content: content, ToolCalls: resp.toolCalls, FinishReason: finish}, nil
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// scriptedTTS synthesizes deterministically, with optional per-text behavior
// hooks for simulating latency, failure, or opaque playables.
type scriptedTTS struct {
	mu         sync.Mutex
	calls      []string
	delayFor   func(text string) time.Duration
	errFor     func(text string) error
	opaqueFor  func(text string) bool
	samplesFor func(text string) int
}

func (t *scriptedTTS) Initialize(ctx context.Context, cb tts.ProgressFunc) error { return nil }
func (t *scriptedTTS) IsReady() bool                                            { return true }

func (t *scriptedTTS) Synthesize(ctx context.Context, text string) (tts.AudioPlayable, error) {
	t.mu.Lock()
	t.calls = append(t.calls, text)
	t.mu.Unlock()

	if t.delayFor != nil {
		time.Sleep(t.delayFor(text))
	}
	if t.errFor != nil {
		if err := t.errFor(text); err != nil {
			return tts.AudioPlayable{}, err
		}
	}
	if t.opaqueFor != nil && t.opaqueFor(text) {
		return tts.AudioPlayable{Opaque: true}, nil
	}
	n := 4
	if t.samplesFor != nil {
		n = t.samplesFor(text)
	}
	return tts.AudioPlayable{Buffered: true, Samples: make([]float32, n), SampleRate: 22050}, nil
}

func (t *scriptedTTS) synthesizedTexts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.calls))
	copy(out, t.calls)
	return out
}

// fakeSTT returns a fixed transcript or error.
type fakeSTT struct {
	transcript string
	err        error
}

func (f *fakeSTT) Initialize(ctx context.Context, cb stt.ProgressFunc) error { return nil }
func (f *fakeSTT) IsReady() bool                                            { return true }
func (f *fakeSTT) Transcribe(ctx context.Context, samples []float32) (string, error) {
	return f.transcript, f.err
}

func newConv() *convo.ConversationContext {
	return convo.New("test-conversation", "you are a helpful assistant")
}

func collectingCallbacks() (*Callbacks, *struct {
	transcripts []string
	chunks      []string
	audio       []tts.AudioPlayable
	toolCalls   []convo.ToolCall
	toolResults []string
	completed   int
	errs        []error
}) {
	rec := &struct {
		transcripts []string
		chunks      []string
		audio       []tts.AudioPlayable
		toolCalls   []convo.ToolCall
		toolResults []string
		completed   int
		errs        []error
	}{}
	var mu sync.Mutex
	cb := &Callbacks{
		OnTranscript: func(text string) {
			mu.Lock()
			defer mu.Unlock()
			rec.transcripts = append(rec.transcripts, text)
		},
		OnResponseChunk: func(text string) {
			mu.Lock()
			defer mu.Unlock()
			rec.chunks = append(rec.chunks, text)
		},
		OnAudio: func(p tts.AudioPlayable) {
			mu.Lock()
			defer mu.Unlock()
			rec.audio = append(rec.audio, p)
		},
		OnToolCall: func(c convo.ToolCall) {
			mu.Lock()
			defer mu.Unlock()
			rec.toolCalls = append(rec.toolCalls, c)
		},
		OnToolResult: func(id, content string, err error) {
			mu.Lock()
			defer mu.Unlock()
			rec.toolResults = append(rec.toolResults, content)
		},
		OnComplete: func() {
			mu.Lock()
			defer mu.Unlock()
			rec.completed++
		},
		OnError: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			rec.errs = append(rec.errs, err)
		},
	}
	return cb, rec
}

// Seed scenario 1: plain text turn, no tools, buffered TTS.
func TestProcessText_PlainTurnNoTools(t *testing.T) {
	llmBackend := &scriptedLLM{responses: []scriptedResponse{
		{tokens: []string{"It ", "is ", "five. "}},
	}}
	ttsBackend := &scriptedTTS{}
	cb, rec := collectingCallbacks()

	p := New(Config{LLM: llmBackend, TTS: ttsBackend})
	conv := newConv()

	_, err := p.ProcessText(context.Background(), conv, "What is two plus three?", *cb)
	if err != nil {
		t.Fatalf("ProcessText: %v", err)
	}
	if rec.completed != 1 {
		t.Fatalf("OnComplete called %d times, want 1", rec.completed)
	}
	if len(rec.errs) != 0 {
		t.Fatalf("unexpected errors: %v", rec.errs)
	}
	if got := strings.Join(rec.chunks, ""); got != "It is five. " {
		t.Fatalf("response chunks joined = %q, want %q", got, "It is five. ")
	}
	if len(rec.audio) != 1 {
		t.Fatalf("got %d audio events, want 1", len(rec.audio))
	}
	if len(ttsBackend.synthesizedTexts()) != 1 || ttsBackend.synthesizedTexts()[0] != "It is five" {
		t.Fatalf("synthesized texts = %v, want [%q]", ttsBackend.synthesizedTexts(), "It is five")
	}
}

// Invariant: audio reaches the client in sentence order even when a later
// sentence's synthesis finishes before an earlier one's.
func TestProcessText_AudioOrderPreservedDespiteOutOfOrderSynthesis(t *testing.T) {
	llmBackend := &scriptedLLM{responses: []scriptedResponse{
		{tokens: []string{"Sentence one. Sentence two. "}},
	}}
	ttsBackend := &scriptedTTS{
		delayFor: func(text string) time.Duration {
			if text == "Sentence one" {
				return 40 * time.Millisecond
			}
			return 0
		},
		samplesFor: func(text string) int {
			if text == "Sentence one" {
				return 1
			}
			return 2
		},
	}

	var mu sync.Mutex
	var order []int
	cb := &Callbacks{
		OnAudio: func(p tts.AudioPlayable) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, len(p.Samples))
		},
		OnComplete: func() {},
		OnError:    func(err error) { t.Errorf("unexpected error: %v", err) },
	}

	p := New(Config{LLM: llmBackend, TTS: ttsBackend})
	conv := newConv()

	if _, err := p.ProcessText(context.Background(), conv, "hi", *cb); err != nil {
		t.Fatalf("ProcessText: %v", err)
	}

	gotTexts := ttsBackend.synthesizedTexts()
	wantTexts := map[string]bool{"Sentence one": true, "Sentence two": true}
	if len(gotTexts) != 2 || !wantTexts[gotTexts[0]] || !wantTexts[gotTexts[1]] {
		t.Fatalf("synthesized texts = %v, want both Sentence one and Sentence two", gotTexts)
	}
	// Despite "Sentence one" synthesizing slower, audio must reach the
	// client in the order the sentences were spoken: one, then two.
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("audio emission order (by sample count) = %v, want [1 2]", order)
	}
}

// Invariant: the tool-calling loop stops after MaxToolIterations even if the
// back-end never stops requesting tool calls.
func TestProcessText_ToolLoopTerminatesAtMaxIterations(t *testing.T) {
	tools := toolregistry.New()
	tools.Register(toolregistry.Tool{
		Definition: toolregistry.ToolDefinition{Name: "noop"},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "done", nil
		},
	})

	responses := make([]scriptedResponse, MaxToolIterations)
	for i := range responses {
		responses[i] = scriptedResponse{
			toolCalls: []convo.ToolCall{{Name: "noop", Arguments: map[string]any{}}},
		}
	}
	llmBackend := &scriptedLLM{supportsTools: true, responses: responses}

	cb, rec := collectingCallbacks()
	p := New(Config{LLM: llmBackend, Tools: tools})
	conv := newConv()

	_, err := p.ProcessText(context.Background(), conv, "loop forever", *cb)
	if err != nil {
		t.Fatalf("ProcessText: %v", err)
	}
	if rec.completed != 1 {
		t.Fatalf("OnComplete called %d times, want 1", rec.completed)
	}
	if len(rec.errs) != 0 {
		t.Fatalf("unexpected errors: %v", rec.errs)
	}
	if got := llmBackend.callCount(); got != MaxToolIterations {
		t.Fatalf("LLM called %d times, want %d", got, MaxToolIterations)
	}
	if len(rec.toolCalls) != MaxToolIterations {
		t.Fatalf("got %d tool calls, want %d", len(rec.toolCalls), MaxToolIterations)
	}
}

// Invariant: the filler phrase is spoken before the tool's follow-up answer,
// and the tool loop continues to completion once a final reply arrives.
func TestProcessText_FillerPhraseOrderedBeforeFinalAnswer(t *testing.T) {
	tools := toolregistry.New()
	tools.Register(toolregistry.Tool{
		Definition: toolregistry.ToolDefinition{Name: "roll_dice"},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "4", nil
		},
	})

	llmBackend := &scriptedLLM{
		supportsTools: true,
		responses: []scriptedResponse{
			{toolCalls: []convo.ToolCall{{Name: "roll_dice", Arguments: map[string]any{}}}},
			{tokens: []string{"You rolled a four. "}},
		},
	}

	cb, rec := collectingCallbacks()
	p := New(Config{
		LLM:           llmBackend,
		Tools:         tools,
		FillerPhrases: []string{"Let me check that."},
	})
	conv := newConv()

	_, err := p.ProcessText(context.Background(), conv, "roll a die", *cb)
	if err != nil {
		t.Fatalf("ProcessText: %v", err)
	}
	if len(rec.chunks) < 2 {
		t.Fatalf("got %d response chunks, want at least 2: %v", len(rec.chunks), rec.chunks)
	}
	if rec.chunks[0] != "Let me check that." {
		t.Fatalf("first response chunk = %q, want filler phrase first", rec.chunks[0])
	}
	joined := strings.Join(rec.chunks[1:], "")
	if joined != "You rolled a four. " {
		t.Fatalf("chunks after filler = %q, want %q", joined, "You rolled a four. ")
	}
}

// Invariant: a session that declared hasTTS never receives an audio event,
// and the server does no synthesis work on its behalf.
func TestProcessText_SkipTTSCapability(t *testing.T) {
	llmBackend := &scriptedLLM{responses: []scriptedResponse{{tokens: []string{"Hello there. "}}}}
	ttsBackend := &scriptedTTS{}
	cb, rec := collectingCallbacks()
	cb.SkipTTS = true

	p := New(Config{LLM: llmBackend, TTS: ttsBackend})
	conv := newConv()

	if _, err := p.ProcessText(context.Background(), conv, "hi", *cb); err != nil {
		t.Fatalf("ProcessText: %v", err)
	}
	if len(rec.audio) != 0 {
		t.Fatalf("got %d audio events, want 0 with SkipTTS", len(rec.audio))
	}
	if len(ttsBackend.synthesizedTexts()) != 0 {
		t.Fatalf("TTS.Synthesize was called %d times, want 0 with SkipTTS", len(ttsBackend.synthesizedTexts()))
	}
}

// An opaque playable reaching the session surfaces as KindOpaqueAudioToRemote
// and ends the turn with an error, since it can never be forwarded.
func TestProcessText_OpaquePlayableIsAnError(t *testing.T) {
	llmBackend := &scriptedLLM{responses: []scriptedResponse{{tokens: []string{"Hello. "}}}}
	ttsBackend := &scriptedTTS{opaqueFor: func(string) bool { return true }}
	cb, rec := collectingCallbacks()

	p := New(Config{LLM: llmBackend, TTS: ttsBackend})
	conv := newConv()

	_, err := p.ProcessText(context.Background(), conv, "hi", *cb)
	if err == nil {
		t.Fatal("expected an error for an opaque playable, got nil")
	}
	var pErr *Error
	if !errors.As(err, &pErr) || pErr.Kind != KindOpaqueAudioToRemote {
		t.Fatalf("error = %v, want *Error with Kind %s", err, KindOpaqueAudioToRemote)
	}
	if len(rec.audio) != 0 {
		t.Fatalf("got %d audio events, want 0 for an opaque playable", len(rec.audio))
	}
	if rec.completed != 0 {
		t.Fatalf("OnComplete called, want only OnError on an opaque playable")
	}
}

// A tool call for a name the registry doesn't know is absorbed into the tool
// message and distinguished as KindUnknownTool, but never ends the turn.
func TestProcessText_UnknownToolIsAbsorbedNotFatal(t *testing.T) {
	llmBackend := &scriptedLLM{
		supportsTools: true,
		responses: []scriptedResponse{
			{toolCalls: []convo.ToolCall{{Name: "does_not_exist", Arguments: map[string]any{}}}},
			{tokens: []string{"Sorry about that. "}},
		},
	}
	cb, rec := collectingCallbacks()

	p := New(Config{LLM: llmBackend, Tools: toolregistry.New()})
	conv := newConv()

	_, err := p.ProcessText(context.Background(), conv, "use a missing tool", *cb)
	if err != nil {
		t.Fatalf("ProcessText: %v", err)
	}
	if rec.completed != 1 {
		t.Fatalf("OnComplete called %d times, want 1", rec.completed)
	}
	if len(rec.toolResults) != 1 {
		t.Fatalf("got %d tool results, want 1", len(rec.toolResults))
	}
	if !strings.Contains(rec.toolResults[0], "error") {
		t.Fatalf("tool result = %q, want it to carry an error payload", rec.toolResults[0])
	}
}

func TestProcessAudio_NoSTTConfigured(t *testing.T) {
	llmBackend := &scriptedLLM{responses: []scriptedResponse{{tokens: []string{"unused"}}}}
	cb, rec := collectingCallbacks()

	p := New(Config{LLM: llmBackend})
	conv := newConv()

	_, err := p.ProcessAudio(context.Background(), conv, []float32{0, 0, 0}, *cb)
	var pErr *Error
	if !errors.As(err, &pErr) || pErr.Kind != KindNoSTT {
		t.Fatalf("error = %v, want *Error with Kind %s", err, KindNoSTT)
	}
	if len(rec.errs) != 1 {
		t.Fatalf("OnError called %d times, want 1", len(rec.errs))
	}
}

func TestProcessAudio_EmptyTranscriptIsAnError(t *testing.T) {
	llmBackend := &scriptedLLM{responses: []scriptedResponse{{tokens: []string{"unused"}}}}
	cb, _ := collectingCallbacks()

	p := New(Config{LLM: llmBackend, STT: &fakeSTT{transcript: "   "}})
	conv := newConv()

	_, err := p.ProcessAudio(context.Background(), conv, []float32{0, 0, 0}, *cb)
	var pErr *Error
	if !errors.As(err, &pErr) || pErr.Kind != KindEmptyTranscript {
		t.Fatalf("error = %v, want *Error with Kind %s", err, KindEmptyTranscript)
	}
}

func TestProcessAudio_TranscribesThenProcesses(t *testing.T) {
	llmBackend := &scriptedLLM{responses: []scriptedResponse{{tokens: []string{"Got it. "}}}}
	cb, rec := collectingCallbacks()

	p := New(Config{LLM: llmBackend, STT: &fakeSTT{transcript: "hello there"}})
	conv := newConv()

	_, err := p.ProcessAudio(context.Background(), conv, []float32{0.1, 0.2}, *cb)
	if err != nil {
		t.Fatalf("ProcessAudio: %v", err)
	}
	if len(rec.transcripts) != 1 || rec.transcripts[0] != "hello there" {
		t.Fatalf("transcripts = %v, want [%q]", rec.transcripts, "hello there")
	}
}

// Messages returned from one turn must not alias the context's backing
// array: a later turn appending to the same conversation must not mutate
// what an earlier caller retained.
func TestProcessText_ReturnedMessagesAreIndependentOfLaterAppends(t *testing.T) {
	llmBackend := &scriptedLLM{responses: []scriptedResponse{
		{tokens: []string{"First reply. "}},
		{tokens: []string{"Second reply. "}},
	}}
	cb, _ := collectingCallbacks()
	p := New(Config{LLM: llmBackend})
	conv := newConv()

	first, err := p.ProcessText(context.Background(), conv, "first", *cb)
	if err != nil {
		t.Fatalf("ProcessText (first): %v", err)
	}
	firstCopy := make([]convo.Message, len(first))
	copy(firstCopy, first)

	if _, err := p.ProcessText(context.Background(), conv, "second", *cb); err != nil {
		t.Fatalf("ProcessText (second): %v", err)
	}

	if !reflect.DeepEqual(first, firstCopy) {
		t.Fatalf("messages from first turn were mutated by the second turn: got %+v, want %+v", first, firstCopy)
	}
}

// TestProcessText_OpenLLMBreakerReportsCircuitOpen exercises the path where
// the LLM breaker rejects the call outright (it's already open from a prior
// failure) rather than the back-end itself failing: the turn should surface
// KindCircuitOpen, not the generic KindBackendFailure, so a client can tell
// "the orchestrator gave up without calling the provider" apart from
// "the provider call itself failed".
func TestProcessText_OpenLLMBreakerReportsCircuitOpen(t *testing.T) {
	llmBackend := &scriptedLLM{responses: []scriptedResponse{
		{err: errTestBackend},
		{tokens: []string{"unused, breaker should already be open"}},
	}}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Stage: resilience.StageLLM, Provider: "fake-llm",
		MaxFailures: 1, ResetTimeout: time.Hour,
	})
	p := New(Config{LLM: llmBackend, LLMBreaker: breaker})
	conv := newConv()

	cb1, rec1 := collectingCallbacks()
	if _, err := p.ProcessText(context.Background(), conv, "first", *cb1); err == nil {
		t.Fatal("ProcessText (first): want error, got nil")
	}
	var pErr1 *Error
	if !errors.As(rec1.errs[0], &pErr1) || pErr1.Kind != KindBackendFailure {
		t.Fatalf("first turn error = %v, want *Error with Kind %s", rec1.errs[0], KindBackendFailure)
	}

	cb2, rec2 := collectingCallbacks()
	if _, err := p.ProcessText(context.Background(), conv, "second", *cb2); err == nil {
		t.Fatal("ProcessText (second): want error, got nil")
	}
	var pErr2 *Error
	if !errors.As(rec2.errs[0], &pErr2) || pErr2.Kind != KindCircuitOpen {
		t.Fatalf("second turn error = %v, want *Error with Kind %s", rec2.errs[0], KindCircuitOpen)
	}
	var openErr *resilience.CircuitOpenError
	if !errors.As(pErr2.Err, &openErr) || openErr.Stage != resilience.StageLLM {
		t.Fatalf("second turn underlying error = %v, want *resilience.CircuitOpenError for stage %s", pErr2.Err, resilience.StageLLM)
	}
}

var errTestBackend = errors.New("backend exploded")
