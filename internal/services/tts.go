package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/bobarin/ttsjobs/internal/models"
)

// ---------------------------------------------------------------------------
// TTSService: common interface for speech synthesis providers
// Every provider returns a complete WAV file so the artifact store and the
// download endpoint never need to know which engine produced it.
// ---------------------------------------------------------------------------

// TTSResponse is the common response type from any TTS provider.
type TTSResponse struct {
	AudioData  []byte
	DurationMs int
	Format     string // always "wav"
}

// TTSService is the interface that any TTS provider must implement.
type TTSService interface {
	// Name identifies the provider in logs and error messages.
	Name() string
	// Synthesize converts text in the given normalized language ("oromo",
	// "amharic", "om", "am") to audio. Failures are *models.SynthesisError.
	Synthesize(ctx context.Context, text, language string) (*TTSResponse, error)
}

var errEmptyAudio = errors.New("provider returned empty audio")

func synthesisError(engine string, err error) error {
	var se *models.SynthesisError
	if errors.As(err, &se) {
		return err
	}
	return &models.SynthesisError{Engine: engine, Err: err}
}

// languageName is how prompts refer to a supported language.
func languageName(language string) string {
	switch models.LanguageCode(language) {
	case "om":
		return "Afaan Oromo"
	case "am":
		return "Amharic"
	default:
		return language
	}
}

// wavResponse validates audio that a provider already returned as WAV.
func wavResponse(engine string, data []byte) (*TTSResponse, error) {
	if len(data) == 0 {
		return nil, synthesisError(engine, errEmptyAudio)
	}
	info, err := parseWAV(data)
	if err != nil {
		return nil, synthesisError(engine, fmt.Errorf("invalid audio: %w", err))
	}
	return &TTSResponse{AudioData: data, DurationMs: info.durationMs(), Format: "wav"}, nil
}

// pcmResponse wraps raw 16-bit mono PCM in a WAV container.
func pcmResponse(engine string, pcm []byte, sampleRate int) (*TTSResponse, error) {
	if len(pcm) == 0 {
		return nil, synthesisError(engine, errEmptyAudio)
	}
	data := pcmToWAV(pcm, sampleRate, 1, 16)
	info := wavInfo{sampleRate: sampleRate, channels: 1, bitsPerSample: 16, dataLen: len(pcm)}
	return &TTSResponse{AudioData: data, DurationMs: info.durationMs(), Format: "wav"}, nil
}
