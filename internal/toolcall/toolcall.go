// Package toolcall extracts structured tool calls from LLM output under any
// of three conventions: native (already structured), prompt-injected JSON,
// or a grammar-constrained SAY:/TOOL: dual mode. Exactly one convention is
// active for a given back-end; the orchestrator selects it based on the
// back-end's advertised capability.
package toolcall

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/voxrelay/voxrelay/internal/convo"
)

// idSeq is the monotonic counter shared by every minted tool-call id; it is
// combined with a short random suffix so ids stay unique across process
// restarts without needing a clock.
var idSeq atomic.Uint64

// NewID mints a fresh tool-call id: a monotonically increasing counter
// followed by 4 bytes of random hex entropy, e.g. "7-a1b2c3d4".
func NewID() string {
	n := idSeq.Add(1)
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%d-%s", n, hex.EncodeToString(buf[:]))
}

// Result is the outcome of parsing one chunk of LLM output: either a final
// reply (Content, no calls) or one or more tool calls.
type Result struct {
	Content      string
	ToolCalls    []convo.ToolCall
	FinishReason string // "stop" | "tool_calls"
}

// Native wraps tool calls the back-end adapter already reported as
// structured data; no parsing is needed beyond id assignment.
func Native(content string, calls []convo.ToolCall) Result {
	if len(calls) == 0 {
		return Result{Content: content, FinishReason: "stop"}
	}
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = NewID()
		}
	}
	return Result{ToolCalls: calls, FinishReason: "tool_calls"}
}

type promptInjectedCall struct {
	ToolCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"tool_call"`
}

// ParsePromptInjected implements the "prompt-injected" convention for
// back-ends with no native tool support: the model is instructed to reply
// with exactly {"tool_call":{"name":...,"arguments":{...}}} when it wants to
// invoke a tool. Detection: trimmed content starts with "{" and contains the
// literal "tool_call"; otherwise it is a final reply. A balanced-brace
// regex-free scan is used as a fallback when the document isn't a clean
// top-level object (e.g. the model followed the object with prose).
func ParsePromptInjected(content string) Result {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") || !strings.Contains(trimmed, `"tool_call"`) {
		return Result{Content: content, FinishReason: "stop"}
	}

	var parsed promptInjectedCall
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.ToolCall.Name != "" {
		return Result{
			ToolCalls: []convo.ToolCall{{
				ID:        NewID(),
				Name:      parsed.ToolCall.Name,
				Arguments: parsed.ToolCall.Arguments,
			}},
			FinishReason: "tool_calls",
		}
	}

	if sub, ok := findBalancedObject(content, `"tool_call"`); ok {
		var fallback promptInjectedCall
		if err := json.Unmarshal([]byte(sub), &fallback); err == nil && fallback.ToolCall.Name != "" {
			return Result{
				ToolCalls: []convo.ToolCall{{
					ID:        NewID(),
					Name:      fallback.ToolCall.Name,
					Arguments: fallback.ToolCall.Arguments,
				}},
				FinishReason: "tool_calls",
			}
		}
	}

	return Result{Content: content, FinishReason: "stop"}
}

// findBalancedObject scans s for the first top-level {...} substring whose
// contents contain marker, tracking brace depth so nested objects don't
// terminate the match early.
func findBalancedObject(s, marker string) (string, bool) {
	start := strings.IndexByte(s, '{')
	for start != -1 {
		depth := 0
		for i := start; i < len(s); i++ {
			switch s[i] {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := s[start : i+1]
					if strings.Contains(candidate, marker) {
						return candidate, true
					}
					next := strings.IndexByte(s[i+1:], '{')
					if next == -1 {
						return "", false
					}
					start = i + 1 + next
					i = start - 1
				}
			}
		}
		if depth != 0 {
			break
		}
	}
	return "", false
}

// grammarToolCall is one element of the JSON array following a "TOOL:" tag.
type grammarToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ParseGrammarConstrained implements the SAY:/TOOL: dual mode: the model is
// driven by a grammar accepting exactly one of "SAY: <free text>" or
// "TOOL: [ {...}, ... ]". raw is the complete buffered process output (the
// caller is responsible for streaming SAY bytes verbatim as they arrive and
// only calling this once the process has ended). Malformed JSON inside
// TOOL: causes the turn to finish with no tool calls, content set to the raw
// buffer.
func ParseGrammarConstrained(raw string) Result {
	trimmed := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(trimmed, "SAY:"):
		return Result{Content: strings.TrimSpace(strings.TrimPrefix(trimmed, "SAY:")), FinishReason: "stop"}
	case strings.HasPrefix(trimmed, "TOOL:"):
		body := strings.TrimSpace(strings.TrimPrefix(trimmed, "TOOL:"))
		var raw []grammarToolCall
		if err := json.Unmarshal([]byte(body), &raw); err != nil {
			return Result{Content: trimmed, FinishReason: "stop"}
		}
		calls := make([]convo.ToolCall, 0, len(raw))
		for _, c := range raw {
			calls = append(calls, convo.ToolCall{ID: NewID(), Name: c.Name, Arguments: c.Arguments})
		}
		if len(calls) == 0 {
			return Result{Content: trimmed, FinishReason: "stop"}
		}
		return Result{ToolCalls: calls, FinishReason: "tool_calls"}
	default:
		return Result{Content: trimmed, FinishReason: "stop"}
	}
}

// DetectGrammarTag reports which tag, if any, a partially-streamed grammar
// response has committed to, once enough bytes have arrived to disambiguate.
// It lets the caller decide whether to stream SAY bytes verbatim as they
// arrive or buffer for TOOL.
func DetectGrammarTag(partial string) (tag string, ok bool) {
	trimmed := strings.TrimLeft(partial, " \t\r\n")
	switch {
	case strings.HasPrefix(trimmed, "SAY:"):
		return "SAY", true
	case strings.HasPrefix(trimmed, "TOOL:"):
		return "TOOL", true
	default:
		return "", false
	}
}
