package wsadapter

import (
	"reflect"
	"testing"
)

func TestAudioDataRoundTrip(t *testing.T) {
	samples := []float32{-1, -0.5, 0, 0.25, 1}
	encoded := encodeAudioData(samples)

	decoded, err := decodeAudioData(encoded)
	if err != nil {
		t.Fatalf("decodeAudioData: %v", err)
	}
	if !reflect.DeepEqual(decoded, samples) {
		t.Fatalf("round trip = %v, want %v", decoded, samples)
	}
}

func TestDecodeAudioDataRejectsTruncatedPayload(t *testing.T) {
	// "AAA=" base64-decodes to 2 bytes, not a multiple of 4.
	if _, err := decodeAudioData("AAA="); err == nil {
		t.Fatal("expected error for truncated float32 payload")
	}
}

func TestDecodeAudioDataRejectsInvalidBase64(t *testing.T) {
	if _, err := decodeAudioData("not-valid-base64!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestInboundFrameSampleRateSynonym(t *testing.T) {
	f := inboundFrame{SampleRate2: 16000}
	if got := f.sampleRate(); got != 16000 {
		t.Fatalf("sampleRate() = %d, want 16000 via snake_case synonym", got)
	}

	f2 := inboundFrame{SampleRate: 22050, SampleRate2: 16000}
	if got := f2.sampleRate(); got != 22050 {
		t.Fatalf("sampleRate() = %d, want 22050 (canonical field wins)", got)
	}
}
