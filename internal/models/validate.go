package models

import (
	"net/url"
	"strings"
	"unicode/utf8"
)

// Supported languages and their ISO 639-1 aliases.
var languageCodes = map[string]string{
	"oromo":   "om",
	"om":      "om",
	"amharic": "am",
	"am":      "am",
}

// SupportedLanguages lists the accepted language names, aliases included.
func SupportedLanguages() []string {
	return []string{"oromo", "amharic", "om", "am"}
}

// LanguageCode maps a normalized language to its ISO code ("" if unknown).
func LanguageCode(language string) string {
	return languageCodes[language]
}

// NormalizeLanguage trims and lower-cases language, falling back to def when empty.
func NormalizeLanguage(language, def string) (string, error) {
	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "" {
		lang = strings.ToLower(strings.TrimSpace(def))
	}
	if _, ok := languageCodes[lang]; !ok {
		return "", &ValidationError{
			Field:   "language",
			Message: "unsupported language '" + lang + "'; supported: " + strings.Join(SupportedLanguages(), ", "),
		}
	}
	return lang, nil
}

// ValidateText rejects empty, whitespace-only, or oversized input.
func ValidateText(text string, maxLen int) error {
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Field: "text", Message: "text input cannot be empty"}
	}
	if maxLen > 0 && utf8.RuneCountInString(text) > maxLen {
		return &ValidationError{Field: "text", Message: "text exceeds maximum length"}
	}
	return nil
}

// ValidateCallbackURL accepts an empty URL (no webhook) or an absolute http(s) URL.
func ValidateCallbackURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: "webhook_url", Message: "malformed URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "webhook_url", Message: "scheme must be http or https"}
	}
	if u.Host == "" {
		return &ValidationError{Field: "webhook_url", Message: "URL must include a host"}
	}
	return nil
}
