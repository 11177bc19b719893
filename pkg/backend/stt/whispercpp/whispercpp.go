// Package whispercpp implements an stt.Pipeline backed by the whisper.cpp Go
// bindings (CGO). The model is loaded once at startup and a fresh inference
// context is created per Transcribe call, since whisper.cpp contexts are not
// safe for concurrent use but the underlying model is.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/voxrelay/voxrelay/pkg/backend/stt"
)

// Provider implements stt.Pipeline using a local whisper.cpp model.
type Provider struct {
	modelPath string
	language  string

	mu    sync.RWMutex
	model whisperlib.Model

	ready atomic.Bool
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code forwarded to whisper.cpp
// (e.g. "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// New constructs a Provider that will load its model from modelPath when
// Initialize is called. modelPath must not be empty.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whispercpp: modelPath must not be empty")
	}
	p := &Provider{modelPath: modelPath, language: "en"}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Initialize implements stt.Pipeline by loading the whisper.cpp model.
// progressCb is invoked once at 1.0 after the (synchronous) load completes,
// since whisper.cpp's model loader does not report incremental progress.
func (p *Provider) Initialize(_ context.Context, progressCb stt.ProgressFunc) error {
	model, err := whisperlib.New(p.modelPath)
	if err != nil {
		return fmt.Errorf("whispercpp: load model %q: %w", p.modelPath, err)
	}

	p.mu.Lock()
	p.model = model
	p.mu.Unlock()

	p.ready.Store(true)
	if progressCb != nil {
		progressCb(1.0)
	}
	return nil
}

// IsReady implements stt.Pipeline.
func (p *Provider) IsReady() bool { return p.ready.Load() }

// Close releases the underlying whisper.cpp model. Safe to call once
// Initialize has been called; a no-op otherwise.
func (p *Provider) Close() error {
	p.mu.RLock()
	model := p.model
	p.mu.RUnlock()
	if model == nil {
		return nil
	}
	return model.Close()
}

// Transcribe implements stt.Pipeline. samples must be mono float32 PCM at
// 16 kHz, matching whisper.cpp's expected input format.
func (p *Provider) Transcribe(ctx context.Context, samples []float32) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}
	if !p.IsReady() {
		return "", errors.New("whispercpp: provider not initialized")
	}

	p.mu.RLock()
	model := p.model
	p.mu.RUnlock()

	// Each whisper.cpp context is not thread-safe, but the model may be
	// shared across goroutines, so a fresh context is created per call.
	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whispercpp: create context: %w", err)
	}

	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whispercpp: failed to set language, using model default", "language", p.language, "error", err)
	}

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("whispercpp: context cancelled before inference: %w", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whispercpp: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whispercpp: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}
