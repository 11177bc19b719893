// Package elevenlabs implements a tts.Pipeline backed by the ElevenLabs
// streaming WebSocket API. A single Synthesize call opens a short-lived
// connection, streams the whole utterance as one text fragment, and
// collects the resulting PCM audio into a single buffered result.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/voxrelay/voxrelay/pkg/backend/tts"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
	defaultSampleHz  = 16000
)

// Provider implements tts.Pipeline backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	voiceID      string
	model        string
	outputFormat string
	sampleRate   int

	ready atomic.Bool
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g. "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the audio output format (e.g. "pcm_16000", "pcm_24000").
// sampleRate must match the numeric suffix of format; it is used to populate
// AudioPlayable.SampleRate.
func WithOutputFormat(format string, sampleRate int) Option {
	return func(p *Provider) {
		p.outputFormat = format
		p.sampleRate = sampleRate
	}
}

// New creates a Provider for the given voice. apiKey and voiceID must be
// non-empty.
func New(apiKey, voiceID string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voiceID must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		voiceID:      voiceID,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		sampleRate:   defaultSampleHz,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Initialize implements tts.Pipeline. The ElevenLabs API requires no local
// warm-up; this reports completion immediately.
func (p *Provider) Initialize(_ context.Context, progressCb tts.ProgressFunc) error {
	p.ready.Store(true)
	if progressCb != nil {
		progressCb(1.0)
	}
	return nil
}

// IsReady implements tts.Pipeline.
func (p *Provider) IsReady() bool { return p.ready.Load() }

// ---- WebSocket message types ----

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

type textMessage struct {
	Text string `json:"text"`
}

type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// Synthesize implements tts.Pipeline by streaming text as a single fragment
// to ElevenLabs and collecting the resulting PCM16 audio into a Buffered
// AudioPlayable.
func (p *Provider) Synthesize(ctx context.Context, text string) (tts.AudioPlayable, error) {
	if !p.IsReady() {
		return tts.AudioPlayable{}, errors.New("elevenlabs: provider not initialized")
	}
	if text == "" {
		return tts.AudioPlayable{Buffered: true, SampleRate: p.sampleRate}, nil
	}

	wsURL := fmt.Sprintf(wsEndpointFmt, p.voiceID, p.model)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return tts.AudioPlayable{}, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	boi := boiMessage{
		Text: " ",
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
		XiAPIKey:     p.apiKey,
		OutputFormat: p.outputFormat,
	}
	boiBytes, err := json.Marshal(boi)
	if err != nil {
		return tts.AudioPlayable{}, fmt.Errorf("elevenlabs: encode handshake: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		return tts.AudioPlayable{}, fmt.Errorf("elevenlabs: send handshake: %w", err)
	}

	payload, err := json.Marshal(textMessage{Text: text})
	if err != nil {
		return tts.AudioPlayable{}, fmt.Errorf("elevenlabs: encode text: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return tts.AudioPlayable{}, fmt.Errorf("elevenlabs: send text: %w", err)
	}

	flush, err := json.Marshal(textMessage{Text: ""})
	if err != nil {
		return tts.AudioPlayable{}, fmt.Errorf("elevenlabs: encode flush: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, flush); err != nil {
		return tts.AudioPlayable{}, fmt.Errorf("elevenlabs: send flush: %w", err)
	}

	var pcm []byte
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return tts.AudioPlayable{}, fmt.Errorf("elevenlabs: read: %w", err)
		}

		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Message != "" {
			return tts.AudioPlayable{}, fmt.Errorf("elevenlabs: server error: %s", resp.Message)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return tts.AudioPlayable{}, fmt.Errorf("elevenlabs: decode audio chunk: %w", err)
			}
			pcm = append(pcm, chunk...)
		}
		if resp.IsFinal {
			break
		}
	}

	return tts.AudioPlayable{
		Buffered:   true,
		Samples:    pcmToFloat32(pcm),
		SampleRate: p.sampleRate,
	}, nil
}

// pcmToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to [-1.0, 1.0]. A trailing odd byte, if any, is ignored.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}
