// Package pipeline drives one conversational turn: speech-to-text (when
// configured), a bounded tool-calling loop against an LLM back-end, and
// incremental text-to-speech fan-out, delivering results to the caller
// through a set of callbacks.
//
// A Pipeline is process-scoped and shared across every session; its only
// mutable state is the filler-phrase round-robin index, which is advanced
// atomically since sessions call into it concurrently.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxrelay/voxrelay/internal/convo"
	"github.com/voxrelay/voxrelay/internal/normalise"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/resilience"
	"github.com/voxrelay/voxrelay/internal/sentence"
	"github.com/voxrelay/voxrelay/internal/toolcall"
	"github.com/voxrelay/voxrelay/internal/toolregistry"
	"github.com/voxrelay/voxrelay/pkg/backend/llm"
	"github.com/voxrelay/voxrelay/pkg/backend/stt"
	"github.com/voxrelay/voxrelay/pkg/backend/tts"
)

// MaxToolIterations bounds the tool-calling loop per turn.
const MaxToolIterations = 10

// ToolConvention selects which of the three tool-call output conventions
// §4.3 describes is active for the configured LLM back-end.
type ToolConvention string

const (
	// ConventionNative: the back-end reports structured tool calls
	// directly via GenerateResult.ToolCalls. Used when LLM.SupportsTools()
	// is true.
	ConventionNative ToolConvention = "native"

	// ConventionPromptInjected: the back-end has no native tool support;
	// a JSON document is detected inside the plain-text reply.
	ConventionPromptInjected ToolConvention = "prompt-injected"

	// ConventionGrammar: the back-end is driven by a SAY:/TOOL: grammar.
	ConventionGrammar ToolConvention = "grammar"
)

// streamThroughToolsSupporter is an optional capability an llm.Pipeline
// implementation may assert: whether it can stream tokens while tool
// definitions are registered. Back-ends that don't implement it are treated
// as unable to, which is the conservative default (forces buffered
// generation on the first iteration so a prompt-injected call can be
// detected in full).
type streamThroughToolsSupporter interface {
	SupportsStreamingThroughTools() bool
}

func supportsStreamingThroughTools(p llm.Pipeline) bool {
	if s, ok := p.(streamThroughToolsSupporter); ok {
		return s.SupportsStreamingThroughTools()
	}
	return false
}

// Callbacks receives turn-lifecycle notifications. Each processX invocation
// ends with exactly one call to either OnComplete (success) or OnError
// (failure), never both. OnError must be set; the rest are optional and may
// be nil.
type Callbacks struct {
	OnTranscript    func(text string)
	OnResponseChunk func(text string)
	OnAudio         func(playable tts.AudioPlayable)
	OnToolCall      func(call convo.ToolCall)
	OnToolResult    func(id string, content string, err error)
	OnComplete      func()
	OnError         func(err error)

	// SkipTTS implements the capability-skip invariant: when the session's
	// client declared hasTTS, the server must never emit an audio event (and
	// should not waste synthesis work producing one).
	SkipTTS bool
}

func (cb Callbacks) transcript(text string) {
	if cb.OnTranscript != nil {
		cb.OnTranscript(text)
	}
}

func (cb Callbacks) responseChunk(text string) {
	if cb.OnResponseChunk != nil && text != "" {
		cb.OnResponseChunk(text)
	}
}

func (cb Callbacks) audio(p tts.AudioPlayable) {
	if cb.OnAudio != nil {
		cb.OnAudio(p)
	}
}

func (cb Callbacks) toolCall(c convo.ToolCall) {
	if cb.OnToolCall != nil {
		cb.OnToolCall(c)
	}
}

func (cb Callbacks) toolResult(id, content string, err error) {
	if cb.OnToolResult != nil {
		cb.OnToolResult(id, content, err)
	}
}

// Config wires a Pipeline to its back-ends and ambient infrastructure.
type Config struct {
	// STT is optional; required only for ProcessAudio.
	STT stt.Pipeline
	// LLM is required.
	LLM llm.Pipeline
	// TTS is optional; when nil, no audio events are ever produced.
	TTS tts.Pipeline

	Tools *toolregistry.Registry

	// FillerPhrases is cycled round-robin and spoken while a tool call is
	// in flight. The system prompt itself is not Pipeline's concern: it
	// seeds the per-session ConversationContext (convo.New), which the
	// session owns, not the process-wide Pipeline.
	FillerPhrases []string

	// ToolConvention overrides automatic convention selection
	// (native when LLM.SupportsTools(), prompt-injected otherwise). Leave
	// empty to auto-select.
	ToolConvention ToolConvention

	STTBreaker *resilience.CircuitBreaker
	LLMBreaker *resilience.CircuitBreaker
	TTSBreaker *resilience.CircuitBreaker

	Metrics *observe.Metrics
	Tracer  trace.Tracer
}

// Pipeline drives turns for every session in the process.
type Pipeline struct {
	cfg       Config
	fillerIdx atomic.Uint64
	metrics   *observe.Metrics
	tracer    trace.Tracer
}

// New constructs a Pipeline. LLM must not be nil.
func New(cfg Config) *Pipeline {
	if cfg.Tools == nil {
		cfg.Tools = toolregistry.New()
	}
	if cfg.ToolConvention == "" {
		if cfg.LLM != nil && cfg.LLM.SupportsTools() {
			cfg.ToolConvention = ConventionNative
		} else {
			cfg.ToolConvention = ConventionPromptInjected
		}
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	tr := cfg.Tracer
	if tr == nil {
		tr = otel.Tracer("github.com/voxrelay/voxrelay/internal/pipeline")
	}
	return &Pipeline{cfg: cfg, metrics: m, tracer: tr}
}

// ProcessAudio transcribes audio then delegates to ProcessTranscript. Fails
// with KindNoSTT if no STT adapter is configured, or KindEmptyTranscript if
// transcription is whitespace-only.
func (p *Pipeline) ProcessAudio(ctx context.Context, conv *convo.ConversationContext, samples []float32, cb Callbacks) ([]convo.Message, error) {
	if p.cfg.STT == nil {
		err := newError(KindNoSTT, "no STT adapter configured", nil)
		cb.OnError(err)
		return nil, err
	}

	sttStart := time.Now()
	var transcript string
	transcribe := func() error {
		text, innerErr := p.cfg.STT.Transcribe(ctx, samples)
		if innerErr != nil {
			return innerErr
		}
		transcript = text
		return nil
	}
	var err error
	if p.cfg.STTBreaker != nil {
		_, span := observe.StartStageSpan(ctx, p.cfg.STTBreaker.Stage(), p.cfg.STTBreaker.Provider())
		err = p.cfg.STTBreaker.Execute(transcribe)
		span.End()
	} else {
		err = transcribe()
	}
	p.metrics.STTDuration.Record(ctx, time.Since(sttStart).Seconds())
	if err != nil {
		p.metrics.RecordProviderError(ctx, "stt", "transcribe")
		wrapped := newError(kindForBreakerErr(err), "stt transcription failed", err)
		cb.OnError(wrapped)
		return nil, wrapped
	}

	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		err := newError(KindEmptyTranscript, "transcription was whitespace only", nil)
		cb.OnError(err)
		return nil, err
	}

	return p.ProcessTranscript(ctx, conv, transcript, cb)
}

// ProcessText skips transcription for clients that ran STT locally and
// delegates straight to ProcessTranscript.
func (p *Pipeline) ProcessText(ctx context.Context, conv *convo.ConversationContext, text string, cb Callbacks) ([]convo.Message, error) {
	return p.ProcessTranscript(ctx, conv, text, cb)
}

// ProcessTranscript appends a user message, runs the bounded tool loop, and
// returns the messages newly appended to conv this turn.
func (p *Pipeline) ProcessTranscript(ctx context.Context, conv *convo.ConversationContext, text string, cb Callbacks) ([]convo.Message, error) {
	turnStart := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.turn")
	defer span.End()

	cb.transcript(text)

	startLen := len(conv.History)
	conv.Append(convo.Message{Role: convo.RoleUser, Content: text})

	outcome := "ok"
	defer func() {
		p.metrics.TurnDuration.Record(ctx, time.Since(turnStart).Seconds())
		p.metrics.RecordTurn(ctx, outcome)
	}()

	// ttsEnabled implements the capability-skip invariant: a session whose
	// client declared hasTTS passes SkipTTS, and no synthesis work happens
	// or audio event is ever emitted for it, even though the process-wide
	// Pipeline has a TTS back-end configured for other sessions.
	ttsEnabled := p.cfg.TTS != nil && !cb.SkipTTS

	var audioErr error
	fanout := sentence.NewFanout(p.synthesizeForFanout(ctx), normalise.Normalise, func(pl sentence.Playable) {
		playable := pl.(tts.AudioPlayable)
		if playable.Opaque {
			if audioErr == nil {
				audioErr = newError(KindOpaqueAudioToRemote, "tts back-end produced an opaque playable", nil)
			}
			return
		}
		cb.audio(playable)
	})
	nextSentenceIdx := 0
	var buf sentence.Buffer

	emitToken := func(token string) {
		cb.responseChunk(token)
		if !ttsEnabled {
			return
		}
		for {
			s, ok := buf.Add(token)
			token = ""
			if !ok {
				return
			}
			fanout.Enqueue(ctx, nextSentenceIdx, s)
			nextSentenceIdx++
		}
	}
	flushSentences := func() {
		if !ttsEnabled {
			return
		}
		if rest := buf.Flush(); rest != "" {
			fanout.Enqueue(ctx, nextSentenceIdx, rest)
			nextSentenceIdx++
		}
	}

	toolDefs := p.cfg.Tools.Definitions()

	for iteration := 0; iteration < MaxToolIterations; iteration++ {
		streamed := iteration > 0 || len(toolDefs) == 0 || supportsStreamingThroughTools(p.cfg.LLM)

		var onToken llm.TokenFunc
		if streamed {
			onToken = emitToken
		}

		opts := llm.Options{
			OnToken:        onToken,
			ConversationID: conv.ConversationID,
		}
		if p.cfg.LLM.SupportsTools() {
			opts.Tools = toolDefs
		}

		llmStart := time.Now()
		var result llm.GenerateResult
		call := func() error {
			var innerErr error
			result, innerErr = p.cfg.LLM.Generate(ctx, conv.Snapshot(), opts)
			return innerErr
		}
		var err error
		if p.cfg.LLMBreaker != nil {
			_, span := observe.StartStageSpan(ctx, p.cfg.LLMBreaker.Stage(), p.cfg.LLMBreaker.Provider())
			err = p.cfg.LLMBreaker.Execute(call)
			span.End()
		} else {
			err = call()
		}
		p.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())
		if err != nil {
			p.metrics.RecordProviderError(ctx, "llm", "generate")
			outcome = "error"
			wrapped := newError(kindForBreakerErr(err), "llm generation failed", err)
			cb.OnError(wrapped)
			return newMessages(conv, startLen), wrapped
		}

		result = p.extractToolCalls(result)

		if !streamed && len(result.ToolCalls) == 0 {
			emitToken(result.Content)
		}

		if len(result.ToolCalls) == 0 {
			flushSentences()
			fanout.Wait()
			conv.Append(convo.Message{Role: convo.RoleAssistant, Content: result.Content})
			if audioErr != nil {
				outcome = "error"
				cb.OnError(audioErr)
				return newMessages(conv, startLen), audioErr
			}
			if cb.OnComplete != nil {
				cb.OnComplete()
			}
			return newMessages(conv, startLen), nil
		}

		if len(p.cfg.FillerPhrases) > 0 {
			idx := p.fillerIdx.Add(1) - 1
			phrase := p.cfg.FillerPhrases[idx%uint64(len(p.cfg.FillerPhrases))]
			cb.responseChunk(phrase)
			if ttsEnabled {
				fanout.Enqueue(ctx, nextSentenceIdx, phrase)
				nextSentenceIdx++
			}
		}

		assistantContent := ""
		if p.cfg.LLM.SupportsTools() {
			assistantContent = result.Content
		}
		conv.Append(convo.Message{Role: convo.RoleAssistant, Content: assistantContent, ToolCalls: result.ToolCalls})

		for _, call := range result.ToolCalls {
			cb.toolCall(call)
			content, toolErr := p.executeTool(ctx, call)
			cb.toolResult(call.ID, content, toolErr)
			conv.Append(convo.Message{Role: convo.RoleTool, Content: content, ToolCallID: call.ID})
		}
	}

	slog.Warn("pipeline: max tool iterations reached", "max", MaxToolIterations)
	outcome = "max_tool_iterations"
	flushSentences()
	fanout.Wait()
	if audioErr != nil {
		outcome = "error"
		cb.OnError(audioErr)
		return newMessages(conv, startLen), audioErr
	}
	if cb.OnComplete != nil {
		cb.OnComplete()
	}
	return newMessages(conv, startLen), nil
}

// newMessages returns an independent copy of the messages conv accumulated
// from startLen onward, safe for the caller to retain across later turns
// without aliasing conv's backing array (which later Appends may grow into
// or reallocate away from).
func newMessages(conv *convo.ConversationContext, startLen int) []convo.Message {
	out := make([]convo.Message, len(conv.History)-startLen)
	copy(out, conv.History[startLen:])
	return out
}

// extractToolCalls applies the configured tool-call convention to a raw
// GenerateResult. Native back-ends already populate ToolCalls; the
// remaining conventions parse them out of Content.
func (p *Pipeline) extractToolCalls(result llm.GenerateResult) llm.GenerateResult {
	switch p.cfg.ToolConvention {
	case ConventionNative:
		parsed := toolcall.Native(result.Content, result.ToolCalls)
		return llm.GenerateResult{Content: parsed.Content, ToolCalls: parsed.ToolCalls, FinishReason: parsed.FinishReason}
	case ConventionGrammar:
		parsed := toolcall.ParseGrammarConstrained(result.Content)
		return llm.GenerateResult{Content: parsed.Content, ToolCalls: parsed.ToolCalls, FinishReason: parsed.FinishReason}
	default: // ConventionPromptInjected
		parsed := toolcall.ParsePromptInjected(result.Content)
		return llm.GenerateResult{Content: parsed.Content, ToolCalls: parsed.ToolCalls, FinishReason: parsed.FinishReason}
	}
}

// executeTool looks up and runs a single tool call, absorbing any failure
// into an {"error": "..."} content string rather than letting it propagate,
// per the turn's error-absorption policy. Both an unknown tool name and a
// handler-side failure are captured this way; the loop always continues.
// The distinction is preserved only for logging/metrics (KindUnknownTool vs
// KindToolExecutionFailure), since neither one ends the turn.
func (p *Pipeline) executeTool(ctx context.Context, call convo.ToolCall) (string, error) {
	start := time.Now()
	content, err := p.cfg.Tools.Execute(ctx, call.Name, call.Arguments)
	p.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		kind := KindToolExecutionFailure
		if errors.Is(err, toolregistry.ErrUnknownTool) {
			kind = KindUnknownTool
		}
		p.metrics.RecordToolCall(ctx, call.Name, "error")
		slog.Warn("pipeline: tool call failed", "tool", call.Name, "kind", kind, "error", err)
		return errorContent(err), newError(kind, "tool call failed", err)
	}
	p.metrics.RecordToolCall(ctx, call.Name, "ok")
	return content, nil
}

func errorContent(err error) string {
	b, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(b)
}

// synthesizeForFanout adapts the configured TTS back-end, wrapped in its
// circuit breaker, into a sentence.SynthesizeFunc.
func (p *Pipeline) synthesizeForFanout(ctx context.Context) sentence.SynthesizeFunc {
	return func(_ context.Context, text string) (sentence.Playable, error) {
		if p.cfg.TTS == nil {
			return nil, fmt.Errorf("pipeline: tts requested but no TTS adapter configured")
		}
		start := time.Now()
		var playable tts.AudioPlayable
		call := func() error {
			var innerErr error
			playable, innerErr = p.cfg.TTS.Synthesize(ctx, text)
			return innerErr
		}
		var err error
		if p.cfg.TTSBreaker != nil {
			_, span := observe.StartStageSpan(ctx, p.cfg.TTSBreaker.Stage(), p.cfg.TTSBreaker.Provider())
			err = p.cfg.TTSBreaker.Execute(call)
			span.End()
		} else {
			err = call()
		}
		p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			p.metrics.RecordProviderError(ctx, "tts", "synthesize")
			return nil, err
		}
		return playable, nil
	}
}

