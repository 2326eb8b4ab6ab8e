package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]JobStatus]bool{
		{JobStatusPending, JobStatusProcessing}:   true,
		{JobStatusPending, JobStatusCancelled}:    true,
		{JobStatusProcessing, JobStatusCompleted}: true,
		{JobStatusProcessing, JobStatusFailed}:    true,
	}

	statuses := []JobStatus{
		JobStatusPending,
		JobStatusProcessing,
		JobStatusCompleted,
		JobStatusFailed,
		JobStatusCancelled,
	}

	for _, from := range statuses {
		for _, to := range statuses {
			want := allowed[[2]JobStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, status := range []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled} {
		if !status.IsTerminal() {
			t.Errorf("expected %s to be terminal", status)
		}
	}
	for _, status := range []JobStatus{JobStatusPending, JobStatusProcessing} {
		if status.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", status)
		}
	}
	if JobStatus("running").Valid() {
		t.Error("unknown status reported as valid")
	}
}

func TestApplyStampsTimestamps(t *testing.T) {
	job := &Job{ID: uuid.New(), Status: JobStatusPending, CreatedAt: time.Now()}
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := job.Apply(Transition{To: JobStatusProcessing, At: start}); err != nil {
		t.Fatalf("pending -> processing: %v", err)
	}
	if job.StartedAt == nil || !job.StartedAt.Equal(start) {
		t.Fatalf("expected started_at %v, got %v", start, job.StartedAt)
	}

	snapshot := *job
	done := start.Add(3 * time.Second)
	if err := job.Apply(Transition{To: JobStatusCompleted, ArtifactRef: job.ID.String(), At: done}); err != nil {
		t.Fatalf("processing -> completed: %v", err)
	}
	if job.CompletedAt == nil || !job.CompletedAt.Equal(done) {
		t.Fatalf("expected completed_at %v, got %v", done, job.CompletedAt)
	}
	if job.ArtifactRef == nil || *job.ArtifactRef != job.ID.String() {
		t.Fatalf("expected artifact ref to be set")
	}
	if job.ErrorMessage != nil {
		t.Fatalf("completed job must not carry an error")
	}
	if snapshot.CompletedAt != nil || snapshot.Status != JobStatusProcessing {
		t.Fatalf("snapshot mutated by Apply")
	}
	if d := job.ProcessingDuration(); d != 3*time.Second {
		t.Fatalf("processing duration = %v, want 3s", d)
	}
}

func TestApplyRejectsIllegalMoves(t *testing.T) {
	job := &Job{ID: uuid.New(), Status: JobStatusProcessing}

	err := job.Apply(Transition{To: JobStatusCancelled})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("invalid transition should match ErrConflict")
	}
	if job.Status != JobStatusProcessing {
		t.Fatalf("status changed on rejected transition: %s", job.Status)
	}

	if err := job.Apply(Transition{To: JobStatusFailed}); !errors.Is(err, ErrValidation) {
		t.Fatalf("failed without error detail should be a validation error, got %v", err)
	}
	if err := job.Apply(Transition{To: JobStatusCompleted}); !errors.Is(err, ErrValidation) {
		t.Fatalf("completed without artifact should be a validation error, got %v", err)
	}
}

func TestNormalizeLanguage(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"oromo", "oromo", false},
		{"  Amharic ", "amharic", false},
		{"OM", "om", false},
		{"", "oromo", false},
		{"klingon", "", true},
	}

	for _, tc := range cases {
		got, err := NormalizeLanguage(tc.in, "oromo")
		if tc.wantErr {
			if !errors.Is(err, ErrValidation) {
				t.Errorf("NormalizeLanguage(%q): expected validation error, got %v", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("NormalizeLanguage(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestValidateCallbackURL(t *testing.T) {
	valid := []string{"", "https://example.com/hook", "http://localhost:9000/cb?x=1"}
	for _, u := range valid {
		if err := ValidateCallbackURL(u); err != nil {
			t.Errorf("expected %q to be valid: %v", u, err)
		}
	}

	invalid := []string{"example.com/hook", "ftp://example.com", "https://", "::bad"}
	for _, u := range invalid {
		if err := ValidateCallbackURL(u); !errors.Is(err, ErrValidation) {
			t.Errorf("expected %q to be rejected, got %v", u, err)
		}
	}
}

func TestValidateText(t *testing.T) {
	if err := ValidateText("   ", 10); !errors.Is(err, ErrValidation) {
		t.Errorf("whitespace-only text should be rejected")
	}
	if err := ValidateText("Akkam jirta?", 50000); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	// Length is counted in characters, not bytes.
	if err := ValidateText("ሰላም", 3); err != nil {
		t.Errorf("three Ethiopic characters should fit a bound of 3: %v", err)
	}
	if err := ValidateText("ሰላም!", 3); !errors.Is(err, ErrValidation) {
		t.Errorf("oversized text should be rejected")
	}
}

func TestWebhookPayloadShape(t *testing.T) {
	now := time.Now().UTC()
	msg := "boom"
	job := Job{
		ID:           uuid.New(),
		Text:         "Akkam jirta?",
		Language:     "oromo",
		Status:       JobStatusFailed,
		CreatedAt:    now,
		StartedAt:    &now,
		CompletedAt:  &now,
		ErrorMessage: &msg,
	}

	data, err := json.Marshal(NewWebhookPayload(job, "https://api.example.com/v1/download/x"))
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}

	if result["status"] != "failed" {
		t.Errorf("expected status=failed, got %v", result["status"])
	}
	if result["audio_url"] != nil {
		t.Errorf("failed jobs must not advertise an audio URL, got %v", result["audio_url"])
	}
	if result["error_message"] != "boom" {
		t.Errorf("expected error_message=boom, got %v", result["error_message"])
	}
	if result["text_length"].(float64) != 12 {
		t.Errorf("expected text_length=12, got %v", result["text_length"])
	}
}
