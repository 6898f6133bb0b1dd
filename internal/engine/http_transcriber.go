package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"call-insights/internal/calls"
)

// HTTPTranscriber calls an OpenAI-compatible /v1/audio/transcriptions endpoint
// with response_format=verbose_json.
type HTTPTranscriber struct {
	BaseURL string
	APIKey  string
	Model   string

	Client *http.Client
	// MaxElapsed bounds transport retries for one Transcribe call.
	MaxElapsed time.Duration
}

func NewHTTPTranscriber(baseURL, apiKey, model string) *HTTPTranscriber {
	if model == "" {
		model = "whisper-1"
	}
	return &HTTPTranscriber{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Model:      model,
		Client:     &http.Client{Timeout: 60 * time.Minute},
		MaxElapsed: 2 * time.Minute,
	}
}

type verboseSegment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	AvgLogprob float64 `json:"avg_logprob"`
}

type verboseResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []verboseSegment `json:"segments"`
}

func (h *HTTPTranscriber) Transcribe(ctx context.Context, audioPath, language string) (Transcript, error) {
	if h.BaseURL == "" {
		return Transcript{}, &Error{Stage: StageTranscription, Err: errors.New("base url not configured")}
	}

	var out verboseResponse
	op := func() error {
		body, contentType, err := h.buildBody(audioPath, language)
		if err != nil {
			// Missing or unreadable audio will not fix itself.
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/v1/audio/transcriptions", body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)
		if h.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+h.APIKey)
		}

		resp, err := h.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("stt http %d: %s", resp.StatusCode, string(raw))
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("stt http %d: %s", resp.StatusCode, string(raw)))
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("stt decode: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = h.MaxElapsed
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return Transcript{}, &Error{Stage: StageTranscription, Err: err}
	}
	return toTranscript(out), nil
}

func (h *HTTPTranscriber) buildBody(audioPath, language string) (io.Reader, string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{"model": h.Model, "response_format": "verbose_json"}
	if language != "" {
		fields["language"] = language
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &body, mw.FormDataContentType(), nil
}

func toTranscript(r verboseResponse) Transcript {
	segs := make([]calls.Segment, 0, len(r.Segments))
	for _, s := range r.Segments {
		segs = append(segs, calls.Segment{
			Start:      s.Start,
			End:        s.End,
			Text:       strings.TrimSpace(s.Text),
			Confidence: logprobConfidence(s.AvgLogprob),
		})
	}
	text := calls.JoinText(segs)
	if text == "" {
		text = strings.TrimSpace(r.Text)
	}
	return Transcript{Text: text, Segments: segs, Duration: r.Duration}
}

// logprobConfidence maps a mean token log-probability to [0, 1].
func logprobConfidence(lp float64) float64 {
	c := math.Exp(lp)
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
