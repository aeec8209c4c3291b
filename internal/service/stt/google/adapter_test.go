package google

import (
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/protobuf/types/known/durationpb"

	"clinical-risk-service/internal/service/stt"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LanguageCode != "en-US" {
		t.Errorf("expected default language 'en-US', got %s", cfg.LanguageCode)
	}
	if cfg.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate 16000, got %d", cfg.SampleRateHz)
	}
	if !cfg.InterimResults {
		t.Error("expected default interim results true")
	}
	if !cfg.Diarization {
		t.Error("expected diarization enabled by default")
	}
}

func TestFromSTTConfig(t *testing.T) {
	cfg := FromSTTConfig(stt.Config{
		LanguageCode: "en-GB",
		SampleRateHz: 8000,
		Encoding:     "MULAW",
		Diarization:  false,
	})

	if cfg.LanguageCode != "en-GB" || cfg.SampleRateHz != 8000 || cfg.AudioEncoding != "MULAW" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Diarization {
		t.Error("expected diarization disabled")
	}
}

func TestParseAudioEncoding(t *testing.T) {
	tests := []struct {
		input    string
		expected speechpb.RecognitionConfig_AudioEncoding
	}{
		{"LINEAR16", speechpb.RecognitionConfig_LINEAR16},
		{"MULAW", speechpb.RecognitionConfig_MULAW},
		{"FLAC", speechpb.RecognitionConfig_FLAC},
		{"OGG_OPUS", speechpb.RecognitionConfig_OGG_OPUS},
		{"WEBM_OPUS", speechpb.RecognitionConfig_WEBM_OPUS},
		{"invalid", speechpb.RecognitionConfig_LINEAR16}, // fallback
		{"", speechpb.RecognitionConfig_LINEAR16},        // fallback
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseAudioEncoding(tt.input); got != tt.expected {
				t.Errorf("parseAudioEncoding(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestRecognitionConfig_Diarization(t *testing.T) {
	rc := recognitionConfig(DefaultConfig())

	if !rc.EnableWordTimeOffsets || !rc.EnableWordConfidence {
		t.Error("expected word offsets and confidence enabled")
	}
	if rc.DiarizationConfig == nil || !rc.DiarizationConfig.EnableSpeakerDiarization {
		t.Fatal("expected diarization config")
	}
	if rc.DiarizationConfig.MaxSpeakerCount != 2 {
		t.Errorf("expected max speakers 2, got %d", rc.DiarizationConfig.MaxSpeakerCount)
	}

	cfg := DefaultConfig()
	cfg.Diarization = false
	if recognitionConfig(cfg).DiarizationConfig != nil {
		t.Error("expected no diarization config when disabled")
	}
}

func word(w string, startMs, endMs int64, tag int32) *speechpb.WordInfo {
	return &speechpb.WordInfo{
		Word:       w,
		StartTime:  durationpb.New(time.Duration(startMs) * time.Millisecond),
		EndTime:    durationpb.New(time.Duration(endMs) * time.Millisecond),
		Confidence: 0.9,
		SpeakerTag: tag,
	}
}

func TestFragmentFromStreamingResult(t *testing.T) {
	r := &speechpb.StreamingRecognitionResult{
		IsFinal:       true,
		ResultEndTime: durationpb.New(1500 * time.Millisecond),
		Alternatives: []*speechpb.SpeechRecognitionAlternative{{
			Transcript: " I can't go on ",
			Words: []*speechpb.WordInfo{
				word("I", 200, 300, 2),
				word("can't", 300, 600, 2),
				word("go", 600, 800, 2),
				word("on", 800, 1000, 2),
			},
		}},
	}

	f, ok := fragmentFromStreamingResult(r, 0)
	if !ok {
		t.Fatal("expected fragment")
	}
	if f.Text != "I can't go on" || !f.IsFinal {
		t.Errorf("unexpected fragment %+v", f)
	}
	if f.StartOffsetMs != 200 || f.EndOffsetMs != 1500 || f.Speaker != 2 {
		t.Errorf("unexpected offsets/speaker: %+v", f)
	}
	if len(f.Words) != 4 || f.Words[1].StartMs != 300 {
		t.Errorf("unexpected words %+v", f.Words)
	}
	if f.Confidence < 0.89 || f.Confidence > 0.91 {
		t.Errorf("expected confidence from word mean, got %v", f.Confidence)
	}

	if _, ok := fragmentFromStreamingResult(&speechpb.StreamingRecognitionResult{}, 0); ok {
		t.Error("expected empty result skipped")
	}
}

func TestTranscriptFromResults_Diarized(t *testing.T) {
	results := []*speechpb.SpeechRecognitionResult{
		{
			ResultEndTime: durationpb.New(time.Second),
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{
				Transcript: "how are you",
				Confidence: 0.95,
				Words:      []*speechpb.WordInfo{word("how", 0, 200, 0), word("are", 200, 400, 0), word("you", 400, 600, 0)},
			}},
		},
		{
			ResultEndTime: durationpb.New(2 * time.Second),
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{
				Transcript: "not good",
				Confidence: 0.9,
				Words:      []*speechpb.WordInfo{word("not", 1000, 1200, 0), word("good", 1200, 1500, 0)},
			}},
		},
		{
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{
				Words: []*speechpb.WordInfo{
					word("how", 0, 200, 1), word("are", 200, 400, 1), word("you", 400, 600, 1),
					word("not", 1000, 1200, 2), word("good", 1200, 1500, 2),
				},
			}},
		},
	}

	tr := transcriptFromResults(results, true)

	if tr.Text != "how are you not good" {
		t.Errorf("unexpected text %q", tr.Text)
	}
	if len(tr.Fragments) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(tr.Fragments))
	}
	if len(tr.Words) != 5 || tr.Words[4].Speaker != 2 {
		t.Errorf("expected diarized words, got %+v", tr.Words)
	}
	if tr.DurationMs != 1500 {
		t.Errorf("expected duration 1500, got %d", tr.DurationMs)
	}
}
