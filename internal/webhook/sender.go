package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/bobarin/ttsjobs/internal/metrics"
	"github.com/bobarin/ttsjobs/internal/models"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
	DefaultTimeout     = 10 * time.Second

	maxRetryDelay = 60 * time.Second
)

type Options struct {
	Secret      string
	MaxAttempts int
	BaseDelay   time.Duration // delay before the 2nd attempt; doubles after each failure
	Timeout     time.Duration // per attempt
	// Jitter adds up to this fraction of each delay at random. Zero keeps delays exact.
	Jitter float64
}

// Sender POSTs one payload to one URL, retrying with exponential backoff.
// A fresh timestamp and signature are computed for every attempt.
type Sender struct {
	client  *http.Client
	opts    Options
	metrics metrics.Recorder

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSender(opts Options, rec metrics.Recorder) *Sender {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if rec == nil {
		rec = metrics.Nop{}
	}

	return &Sender{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:    opts,
		metrics: rec,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// WithClock replaces the timestamp source and the backoff sleep; used by tests.
func (s *Sender) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Sender {
	if now != nil {
		s.now = now
	}
	if sleep != nil {
		s.sleep = sleep
	}
	return s
}

// Deliver runs one delivery sequence. The returned status is always filled in;
// the error is a *models.DeliveryError when every attempt failed.
func (s *Sender) Deliver(ctx context.Context, url string, payload models.WebhookPayload) (models.WebhookStatus, error) {
	body, err := encodePayload(payload)
	if err != nil {
		return models.WebhookStatus{}, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	status := models.WebhookStatus{}
	jobID := payload.JobID.String()

	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := s.retryDelay(attempt - 1)
			log.Printf("[Webhook] Retry %d/%d for job %s (waiting %v)...", attempt, s.opts.MaxAttempts, jobID, delay)
			s.metrics.WebhookRetry()

			if err := s.sleep(ctx, delay); err != nil {
				lastErr = fmt.Errorf("delivery cancelled: %w", err)
				break
			}
		}

		status.Attempts = attempt
		start := time.Now()
		err := s.attempt(ctx, url, jobID, attempt, body)
		latency := time.Since(start)

		if err == nil {
			s.metrics.WebhookAttempt(metrics.OutcomeSuccess, latency)
			s.metrics.WebhookDelivery(true)
			log.Printf("[Webhook] Delivered job %s on attempt %d (%v)", jobID, attempt, latency)
			status.Delivered = true
			status.LastError = nil
			return status, nil
		}

		s.metrics.WebhookAttempt(metrics.OutcomeFailure, latency)
		log.Printf("[Webhook] Attempt %d for job %s failed: %v", attempt, jobID, err)
		lastErr = err
	}

	s.metrics.WebhookDelivery(false)
	reason := lastErr.Error()
	status.LastError = &reason
	log.Printf("[Webhook] Delivery for job %s failed after %d attempts", jobID, status.Attempts)

	return status, &models.DeliveryError{URL: url, Attempts: status.Attempts, Err: lastErr}
}

func (s *Sender) attempt(ctx context.Context, url, jobID string, attempt int, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	ts := s.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(HeaderSignature, Sign(s.opts.Secret, ts, body))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderID, jobID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	return nil
}

// retryDelay is BaseDelay * 2^(n-1) for the n-th retry, capped, plus optional jitter.
func (s *Sender) retryDelay(n int) time.Duration {
	delay := float64(s.opts.BaseDelay) * math.Pow(2, float64(n-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	if s.opts.Jitter > 0 {
		delay += delay * s.opts.Jitter * rand.Float64()
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// encodePayload renders the compact, key-sorted JSON that gets signed and sent.
// HTML escaping is off so callback URLs with & survive byte for byte.
func encodePayload(payload models.WebhookPayload) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
