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

const (
	// Default Cartesia API version
	CartesiaAPIVersion = "2024-06-10"

	CartesiaDefaultURL = "https://api.cartesia.ai"

	// Default voice ID
	DefaultVoiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"

	cartesiaModel      = "sonic-multilingual"
	cartesiaSampleRate = 44100
)

type CartesiaService struct {
	apiKey         string
	apiURL         string
	apiVersion     string
	defaultVoiceID string
	client         *http.Client
}

// Ensure CartesiaService implements TTSService at compile time.
var _ TTSService = (*CartesiaService)(nil)

// NewCartesiaService creates a Cartesia service. Empty apiURL or voiceID fall back to defaults.
func NewCartesiaService(apiKey, apiURL, voiceID string) *CartesiaService {
	if apiURL == "" {
		apiURL = CartesiaDefaultURL
	}
	if voiceID == "" {
		voiceID = DefaultVoiceID
	}
	return &CartesiaService{
		apiKey:         apiKey,
		apiURL:         apiURL,
		apiVersion:     CartesiaAPIVersion,
		defaultVoiceID: voiceID,
		client:         &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *CartesiaService) Name() string { return "cartesia" }

// CartesiaRequest matches the Cartesia /tts/bytes request body
type CartesiaRequest struct {
	ModelID      string                 `json:"model_id"`
	Transcript   string                 `json:"transcript"`
	Voice        CartesiaVoiceSpecifier `json:"voice"`
	Language     *string                `json:"language,omitempty"`
	OutputFormat CartesiaOutputFormat   `json:"output_format"`
}

type CartesiaVoiceSpecifier struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type CartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate"`
}

// Synthesize generates WAV audio from text using Cartesia TTS.
func (s *CartesiaService) Synthesize(ctx context.Context, text, language string) (*TTSResponse, error) {
	reqBody := CartesiaRequest{
		ModelID:    cartesiaModel,
		Transcript: text,
		Voice: CartesiaVoiceSpecifier{
			Mode: "id",
			ID:   s.defaultVoiceID,
		},
		OutputFormat: CartesiaOutputFormat{
			Container:  "wav",
			Encoding:   "pcm_s16le",
			SampleRate: cartesiaSampleRate,
		},
	}
	if code := models.LanguageCode(language); code != "" {
		reqBody.Language = &code
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, synthesisError(s.Name(), fmt.Errorf("failed to marshal request: %w", err))
	}

	url := fmt.Sprintf("%s/tts/bytes", s.apiURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, synthesisError(s.Name(), fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cartesia-Version", s.apiVersion)

	log.Printf("[Cartesia] Generating speech (voiceID=%s, language=%s, textLen=%d)", s.defaultVoiceID, language, len(text))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, synthesisError(s.Name(), fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, synthesisError(s.Name(), fmt.Errorf("returned status %d: %s", resp.StatusCode, string(body)))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, synthesisError(s.Name(), fmt.Errorf("failed to read audio: %w", err))
	}

	out, err := wavResponse(s.Name(), audioData)
	if err != nil {
		return nil, err
	}

	log.Printf("[Cartesia] Speech generated (%d bytes, %dms)", len(out.AudioData), out.DurationMs)
	return out, nil
}
