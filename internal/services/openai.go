package services

import (
	"context"
	"fmt"
	"io"
	"log"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIService struct {
	client *openai.Client
	model  openai.SpeechModel
	voice  openai.SpeechVoice
}

var _ TTSService = (*OpenAIService)(nil)

// NewOpenAIService creates a speech service on the audio/speech endpoint.
// Empty model and voice default to tts-1 and alloy.
func NewOpenAIService(apiKey, model, voice string) *OpenAIService {
	return NewOpenAIServiceWithConfig(openai.DefaultConfig(apiKey), model, voice)
}

// NewOpenAIServiceWithConfig allows a custom base URL or HTTP client.
func NewOpenAIServiceWithConfig(config openai.ClientConfig, model, voice string) *OpenAIService {
	s := &OpenAIService{
		client: openai.NewClientWithConfig(config),
		model:  openai.TTSModel1,
		voice:  openai.VoiceAlloy,
	}
	if model != "" {
		s.model = openai.SpeechModel(model)
	}
	if voice != "" {
		s.voice = openai.SpeechVoice(voice)
	}
	return s
}

func (s *OpenAIService) Name() string { return "openai" }

// Synthesize requests WAV output. The model detects the input language itself.
func (s *OpenAIService) Synthesize(ctx context.Context, text, language string) (*TTSResponse, error) {
	log.Printf("[OpenAI] Generating speech (model=%s, voice=%s, language=%s, textLen=%d)", s.model, s.voice, language, len(text))

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          s.voice,
		ResponseFormat: openai.SpeechResponseFormatWav,
	})
	if err != nil {
		return nil, synthesisError(s.Name(), fmt.Errorf("speech request failed: %w", err))
	}
	defer resp.Close()

	audioData, err := io.ReadAll(resp)
	if err != nil {
		return nil, synthesisError(s.Name(), fmt.Errorf("failed to read audio: %w", err))
	}

	out, err := wavResponse(s.Name(), audioData)
	if err != nil {
		return nil, err
	}

	log.Printf("[OpenAI] Speech generated (%d bytes, %dms)", len(out.AudioData), out.DurationMs)
	return out, nil
}
