package services

import (
	"context"
	"fmt"
	"log"

	"google.golang.org/genai"
)

const (
	geminiDefaultModel = "gemini-2.5-flash-preview-tts"
	geminiDefaultVoice = "Kore"
	geminiSampleRate   = 24000
)

// GeminiService synthesizes speech with the Gemini API's native audio output.
// The model returns raw 16-bit PCM which is wrapped into WAV here.
type GeminiService struct {
	client *genai.Client
	model  string
	voice  string
}

var _ TTSService = (*GeminiService)(nil)

// GeminiOptions configures NewGeminiService. BaseURL is only set in tests.
type GeminiOptions struct {
	APIKey  string
	Model   string
	Voice   string
	BaseURL string
}

func NewGeminiService(ctx context.Context, opts GeminiOptions) (*GeminiService, error) {
	cfg := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	s := &GeminiService{client: client, model: geminiDefaultModel, voice: geminiDefaultVoice}
	if opts.Model != "" {
		s.model = opts.Model
	}
	if opts.Voice != "" {
		s.voice = opts.Voice
	}
	return s, nil
}

func (s *GeminiService) Name() string { return "gemini" }

func (s *GeminiService) Synthesize(ctx context.Context, text, language string) (*TTSResponse, error) {
	prompt := fmt.Sprintf("Read the following %s text aloud clearly and naturally:\n\n%s", languageName(language), text)

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: s.voice},
			},
		},
	}

	log.Printf("[Gemini] Generating speech (model=%s, voice=%s, language=%s, textLen=%d)", s.model, s.voice, language, len(text))

	resp, err := s.client.Models.GenerateContent(ctx, s.model, genai.Text(prompt), config)
	if err != nil {
		return nil, synthesisError(s.Name(), fmt.Errorf("generate content failed: %w", err))
	}

	var pcm []byte
	rate := geminiSampleRate
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				pcm = append(pcm, part.InlineData.Data...)
				rate = pcmRateFromMIME(part.InlineData.MIMEType, rate)
			}
		}
		if len(pcm) > 0 {
			break
		}
	}

	out, err := pcmResponse(s.Name(), pcm, rate)
	if err != nil {
		return nil, err
	}

	log.Printf("[Gemini] Speech generated (%d bytes, %dms)", len(out.AudioData), out.DurationMs)
	return out, nil
}
