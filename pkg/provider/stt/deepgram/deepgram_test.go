package deepgram

import (
	"strings"
	"testing"

	"github.com/attenda-ai/attenda/pkg/provider/stt"
)

func TestBuildURL(t *testing.T) {
	t.Parallel()

	p, err := New("dg-key", WithModel("nova-2-phonecall"), WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := p.buildURL(stt.StreamConfig{
		Encoding:    "mulaw",
		SampleRate:  8000,
		Channels:    1,
		Endpointing: 500,
		Diarize:     true,
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	for _, want := range []string{
		"wss://api.deepgram.com/v1/listen?",
		"model=nova-2-phonecall",
		"language=en",
		"encoding=mulaw",
		"sample_rate=8000",
		"channels=1",
		"endpointing=500",
		"diarize=true",
		"punctuate=true",
		"smart_format=true",
		"interim_results=false",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("URL missing %q: %s", want, got)
		}
	}
}

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()

	p, err := New("dg-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	for _, want := range []string{"model=nova-3", "language=en", "encoding=mulaw", "sample_rate=8000"} {
		if !strings.Contains(got, want) {
			t.Errorf("URL missing default %q: %s", want, got)
		}
	}
	if strings.Contains(got, "diarize") {
		t.Errorf("diarize must be absent when off: %s", got)
	}
}

func TestNew_EmptyKey(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"speech_final": true,
		"channel": {
			"alternatives": [{
				"transcript": "I need to reschedule my appointment.",
				"confidence": 0.98,
				"words": [
					{"word": "i", "speaker": 1},
					{"word": "need", "speaker": 1}
				]
			}]
		}
	}`)

	tr, ok := parseResponse(raw)
	if !ok {
		t.Fatal("expected a transcript")
	}
	if tr.Text != "I need to reschedule my appointment." {
		t.Errorf("Text = %q", tr.Text)
	}
	if !tr.IsFinal || !tr.SpeechFinal {
		t.Errorf("IsFinal/SpeechFinal = %v/%v, want true/true", tr.IsFinal, tr.SpeechFinal)
	}
	if tr.Confidence != 0.98 {
		t.Errorf("Confidence = %v", tr.Confidence)
	}
	if tr.SpeakerID != "1" {
		t.Errorf("SpeakerID = %q, want %q", tr.SpeakerID, "1")
	}
}

func TestParseResponse_NoDiarization(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"speech_final": false,
		"channel": {
			"alternatives": [{
				"transcript": "hello",
				"confidence": 0.9,
				"words": [{"word": "hello"}]
			}]
		}
	}`)

	tr, ok := parseResponse(raw)
	if !ok {
		t.Fatal("expected a transcript")
	}
	if tr.SpeakerID != "" {
		t.Errorf("SpeakerID = %q, want empty without diarization", tr.SpeakerID)
	}
	if tr.SpeechFinal {
		t.Error("SpeechFinal = true, want false")
	}
}

func TestParseResponse_Ignored(t *testing.T) {
	t.Parallel()

	cases := map[string][]byte{
		"metadata":        []byte(`{"type":"Metadata","duration":1.5}`),
		"no alternatives": []byte(`{"type":"Results","channel":{"alternatives":[]}}`),
		"invalid json":    []byte(`{`),
	}
	for name, raw := range cases {
		if _, ok := parseResponse(raw); ok {
			t.Errorf("%s: expected message to be ignored", name)
		}
	}
}
