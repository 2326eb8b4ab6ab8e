package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/bobarin/ttsjobs/internal/models"
)

// ---------------------------------------------------------------------------
// ElevenLabs Text-to-Speech Service
// Uses the ElevenLabs REST API with raw PCM output, wrapped into WAV locally.
// Model: eleven_flash_v2_5 (Flash v2.5, multilingual, accepts language_code)
// ---------------------------------------------------------------------------

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	elevenLabsDefaultModel = "eleven_flash_v2_5"
	elevenLabsDefaultVoice = "pNInz6obpgDQGcFmaJgB"
	elevenLabsOutputFormat = "pcm_24000"
	elevenLabsSampleRate   = 24000
)

// ElevenLabsService handles text-to-speech via ElevenLabs API.
type ElevenLabsService struct {
	apiKey  string
	baseURL string
	voiceID string
	modelID string
	client  *http.Client
}

// Ensure ElevenLabsService implements TTSService at compile time.
var _ TTSService = (*ElevenLabsService)(nil)

// NewElevenLabsService creates an ElevenLabs service. An empty voiceID uses the default voice.
func NewElevenLabsService(apiKey, voiceID string) *ElevenLabsService {
	if voiceID == "" {
		voiceID = elevenLabsDefaultVoice
	}
	return &ElevenLabsService{
		apiKey:  apiKey,
		baseURL: elevenLabsBaseURL,
		voiceID: voiceID,
		modelID: elevenLabsDefaultModel,
		client:  &http.Client{Timeout: 90 * time.Second},
	}
}

// WithBaseURL points the service at a different API host.
func (s *ElevenLabsService) WithBaseURL(baseURL string) *ElevenLabsService {
	s.baseURL = baseURL
	return s
}

func (s *ElevenLabsService) Name() string { return "elevenlabs" }

type elevenLabsRequest struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id"`
	LanguageCode  string                   `json:"language_code,omitempty"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// Synthesize converts text to speech using ElevenLabs.
func (s *ElevenLabsService) Synthesize(ctx context.Context, text, language string) (*TTSResponse, error) {
	reqBody := elevenLabsRequest{
		Text:         text,
		ModelID:      s.modelID,
		LanguageCode: models.LanguageCode(language),
		VoiceSettings: &elevenLabsVoiceSettings{
			Stability:       0.60,
			SimilarityBoost: 0.80,
			UseSpeakerBoost: true,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, synthesisError(s.Name(), fmt.Errorf("failed to marshal request: %w", err))
	}

	// POST /v1/text-to-speech/{voice_id}?output_format=pcm_24000
	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", s.baseURL, s.voiceID, elevenLabsOutputFormat)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, synthesisError(s.Name(), fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.apiKey)

	log.Printf("[ElevenLabs] Generating speech (voiceID=%s, model=%s, language=%s, textLen=%d)",
		s.voiceID, s.modelID, language, len(text))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, synthesisError(s.Name(), fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, synthesisError(s.Name(), fmt.Errorf("returned status %d: %s", resp.StatusCode, string(body)))
	}

	// The response body is raw 16-bit PCM
	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, synthesisError(s.Name(), fmt.Errorf("failed to read audio response: %w", err))
	}

	out, err := pcmResponse(s.Name(), pcm, elevenLabsSampleRate)
	if err != nil {
		return nil, err
	}

	log.Printf("[ElevenLabs] Speech generated (%d bytes, %dms)", len(out.AudioData), out.DurationMs)
	return out, nil
}
