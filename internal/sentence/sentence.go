// Package sentence segments streaming LLM tokens into sentences suitable for
// incremental TTS, and fans synthesis work out concurrently while
// guaranteeing audio reaches the client in the order the text was produced,
// even though synthesis jobs may finish out of order.
package sentence

import (
	"context"
	"strings"
	"sync"
)

// Buffer accumulates streamed tokens and yields complete sentences as soon
// as a sentence-ending character is seen.
type Buffer struct {
	buf strings.Builder
}

var sentenceEnders = map[byte]bool{'.': true, '!': true, '?': true}

// Add appends a token to the buffer and reports the first complete sentence
// found, if any. A boundary is the first sentence-ending character followed
// by whitespace or end of buffer. Callers whose token may contain more than
// one boundary should call Add again with an empty token to drain
// additional complete sentences.
func (b *Buffer) Add(token string) (sentence string, ok bool) {
	b.buf.WriteString(token)
	text := b.buf.String()

	idx := firstSentenceBoundary(text)
	if idx < 0 {
		return "", false
	}

	complete := strings.TrimSpace(text[:idx])
	remainder := text[idx:]
	b.buf.Reset()
	b.buf.WriteString(remainder)
	return complete, complete != ""
}

// Flush returns any remaining buffered text, trimmed, clearing the buffer.
// Called once generation completes to emit a trailing sentence that never
// saw a terminator.
func (b *Buffer) Flush() string {
	text := strings.TrimSpace(b.buf.String())
	b.buf.Reset()
	return text
}

// firstSentenceBoundary returns the index just past the first
// sentence-ending character that is followed by whitespace or the end of
// text, or -1 if no boundary has been reached yet.
func firstSentenceBoundary(text string) int {
	for i := 0; i < len(text); i++ {
		if !sentenceEnders[text[i]] {
			continue
		}
		if i+1 == len(text) || isWordBoundary(text[i+1]) {
			return i + 1
		}
	}
	return -1
}

func isWordBoundary(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\t'
}

// Playable is an opaque TTS synthesis result; the sentence package never
// inspects it, only orders its delivery.
type Playable any

// SynthesizeFunc synthesizes one already-normalised sentence.
type SynthesizeFunc func(ctx context.Context, text string) (Playable, error)

// EmitFunc delivers one in-order synthesized sentence to the session.
type EmitFunc func(p Playable)

// Fanout dispatches TTS synthesis concurrently per sentence while
// guaranteeing sentences are emitted to EmitFunc in the order they were
// enqueued. A synthesis failure for index k silently drops that sentence's
// audio and advances past it; the text has already been streamed
// separately.
type Fanout struct {
	synthesize SynthesizeFunc
	normalise  func(string) string
	emit       EmitFunc

	mu      sync.Mutex
	pending map[int]fanoutResult
	next    int
	wg      sync.WaitGroup
}

type fanoutResult struct {
	playable Playable
	ok       bool
}

// NewFanout constructs a Fanout. normalise is applied to each sentence
// before synthesis; emit is called, in order, for every sentence that
// synthesized successfully.
func NewFanout(synthesize SynthesizeFunc, normalise func(string) string, emit EmitFunc) *Fanout {
	return &Fanout{
		synthesize: synthesize,
		normalise:  normalise,
		emit:       emit,
		pending:    make(map[int]fanoutResult),
	}
}

// Enqueue starts synthesis for sentence index k concurrently with the
// caller's ongoing work. k must be 0 on a fanout's first call and strictly
// increase by one on each subsequent call within a turn.
func (f *Fanout) Enqueue(ctx context.Context, k int, text string) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		normalised := text
		if f.normalise != nil {
			normalised = f.normalise(text)
		}
		playable, err := f.synthesize(ctx, normalised)
		f.resolve(k, playable, err == nil)
	}()
}

func (f *Fanout) resolve(k int, playable Playable, ok bool) {
	f.mu.Lock()
	f.pending[k] = fanoutResult{playable: playable, ok: ok}
	f.flushLocked()
	f.mu.Unlock()
}

// flushLocked emits every contiguous resolved sentence starting at next,
// must be called with mu held.
func (f *Fanout) flushLocked() {
	for {
		res, ready := f.pending[f.next]
		if !ready {
			return
		}
		delete(f.pending, f.next)
		f.next++
		if res.ok && f.emit != nil {
			f.emit(res.playable)
		}
	}
}

// Wait blocks until every enqueued synthesis job has resolved and been
// flushed (or dropped, on failure). The turn must not complete before Wait
// returns.
func (f *Fanout) Wait() {
	f.wg.Wait()
}
