// Package wsadapter is the session handler / wire adapter: it upgrades an
// HTTP connection to a WebSocket, decodes the duplex JSON frame protocol
// into calls on an rtsession.Session, and encodes that Session's outbound
// events back into frames over a single mutex-guarded writer.
package wsadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxrelay/voxrelay/internal/pipeline"
	"github.com/voxrelay/voxrelay/internal/rtsession"
)

// expectedSampleRate is the fixed PCM rate the STT contract requires
// (pkg/backend/stt.Pipeline.Transcribe: "mono float32 samples at 16 kHz").
// An audio frame declaring a different rate is a protocol-level mismatch
// the server can catch before ever reaching the STT adapter.
const expectedSampleRate = 16000

// Compile-time assertion that wireSink satisfies rtsession.Sink.
var _ rtsession.Sink = (*wireSink)(nil)

// Handler upgrades inbound connections and runs one Session per
// connection against a shared, process-scoped Pipeline.
type Handler struct {
	pipeline     *pipeline.Pipeline
	systemPrompt string
}

// NewHandler builds a Handler that dispatches every connection's frames
// into the given Pipeline, seeding each Session's conversation with
// systemPrompt.
func NewHandler(p *pipeline.Pipeline, systemPrompt string) *Handler {
	return &Handler{pipeline: p, systemPrompt: systemPrompt}
}

// ServeHTTP upgrades the request to a WebSocket and runs the session to
// completion; it returns once the connection closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("wsadapter: upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "session ended")

	h.runConnection(r.Context(), conn)
}

// runConnection owns conn for its lifetime: a reader loop decodes inbound
// frames into Session calls, and a single mutex-guarded writer (shared
// between this loop's error replies and the Session's own callbacks)
// encodes outbound events.
func (h *Handler) runConnection(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sink := newWireSink(connCtx, conn)
	sess := rtsession.New(connCtx, h.pipeline, h.systemPrompt, sink)
	defer sess.Disconnect()

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return
		}
		dispatch(sess, sink, data)
	}
}

// dispatch decodes one inbound frame and routes it to the matching
// Session method. A frame that fails to decode, or whose type is
// unrecognised, is reported as a ProtocolError rather than silently
// dropped or allowed to crash the read loop.
func dispatch(sess *rtsession.Session, sink *wireSink, data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		sink.Error(pipeline.KindProtocolError, "malformed frame: "+err.Error())
		return
	}

	switch f.Type {
	case "capabilities":
		sess.HandleCapabilities(rtsession.Capabilities{HasSTT: f.HasSTT, HasTTS: f.HasTTS})
	case "audio":
		if rate := f.sampleRate(); rate != 0 && rate != expectedSampleRate {
			sink.Error(pipeline.KindProtocolError, fmt.Sprintf("audio sampleRate %d, want %d", rate, expectedSampleRate))
			return
		}
		samples, err := decodeAudioData(f.Data)
		if err != nil {
			sink.Error(pipeline.KindProtocolError, err.Error())
			return
		}
		sess.HandleAudioChunk(samples)
	case "end_audio":
		sess.HandleEndAudio()
	case "text":
		sess.HandleText(f.Text)
	case "clear_history":
		sess.HandleClearHistory()
	default:
		sink.Error(pipeline.KindProtocolError, "unknown frame type: "+f.Type)
	}
}

// wireSink implements rtsession.Sink by encoding each event as its
// canonical §6.1 frame and writing it as a single WebSocket text message.
// All writes go through mu, since a Session's turn callbacks run on their
// own goroutine concurrently with whatever wrote the previous frame.
type wireSink struct {
	ctx  context.Context
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWireSink(ctx context.Context, conn *websocket.Conn) *wireSink {
	return &wireSink{ctx: ctx, conn: conn}
}

func (s *wireSink) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("wsadapter: marshal outbound frame", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		slog.Warn("wsadapter: write outbound frame", "error", err)
	}
}

func (s *wireSink) Transcript(text string) {
	s.write(transcriptFrame{Type: "transcript", Text: text})
}

func (s *wireSink) ResponseChunk(text string) {
	s.write(responseChunkFrame{Type: "response_chunk", Text: text})
}

func (s *wireSink) Audio(samples []float32, sampleRate int) {
	s.write(audioFrame{Type: "audio", Data: encodeAudioData(samples), SampleRate: sampleRate})
}

func (s *wireSink) ToolCall(id, name string, arguments map[string]any) {
	s.write(toolCallFrame{Type: "tool_call", ToolCallID: id, Name: name, Arguments: arguments})
}

// ToolResult decodes content (the tool's raw string result, typically
// JSON) into an any for the wire's result:any field; content that isn't
// valid JSON is forwarded as a JSON string instead of dropped.
func (s *wireSink) ToolResult(id string, content string) {
	var result any
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		result = content
	}
	s.write(toolResultFrame{Type: "tool_result", ToolCallID: id, Result: result})
}

func (s *wireSink) Complete() {
	s.write(completeFrame{Type: "complete"})
}

func (s *wireSink) Error(kind pipeline.Kind, message string) {
	s.write(errorFrame{Type: "error", Kind: string(kind), Message: message})
}
