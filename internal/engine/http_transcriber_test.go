package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeAudio(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "a.wav")
	if err := os.WriteFile(p, []byte("RIFF"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestHTTPTranscriber_ParsesVerboseJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing bearer")
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.FormValue("response_format") != "verbose_json" || r.FormValue("language") != "en" {
			t.Errorf("unexpected form: %v", r.MultipartForm.Value)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"hi there","duration":3.5,"segments":[
			{"start":0,"end":1.5,"text":" hi ","avg_logprob":0},
			{"start":1.5,"end":3.5,"text":"there","avg_logprob":-0.6931471805599453}]}`))
	}))
	defer srv.Close()

	h := NewHTTPTranscriber(srv.URL, "k", "")
	out, err := h.Transcribe(context.Background(), writeAudio(t), "en")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Text != "hi there" || out.Duration != 3.5 || len(out.Segments) != 2 {
		t.Fatalf("unexpected transcript: %+v", out)
	}
	if out.Segments[0].Confidence != 1 {
		t.Fatalf("expected confidence 1, got %v", out.Segments[0].Confidence)
	}
	if c := out.Segments[1].Confidence; c < 0.49 || c > 0.51 {
		t.Fatalf("expected confidence 0.5, got %v", c)
	}
}

func TestHTTPTranscriber_RetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"text":"ok","segments":[]}`))
	}))
	defer srv.Close()

	h := NewHTTPTranscriber(srv.URL, "", "m")
	h.MaxElapsed = 5 * time.Second
	out, err := h.Transcribe(context.Background(), writeAudio(t), "")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Text != "ok" || atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("expected one retry, hits=%d text=%q", hits, out.Text)
	}
}

func TestHTTPTranscriber_ClientErrorIsEngineError(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	h := NewHTTPTranscriber(srv.URL, "", "m")
	_, err := h.Transcribe(context.Background(), writeAudio(t), "en")
	var ee *Error
	if !errors.As(err, &ee) || ee.Stage != StageTranscription {
		t.Fatalf("expected transcription engine error, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("4xx must not be retried, hits=%d", hits)
	}
}

func TestHTTPTranscriber_MissingAudio(t *testing.T) {
	h := NewHTTPTranscriber("http://127.0.0.1:1", "", "m")
	_, err := h.Transcribe(context.Background(), "/does/not/exist.wav", "en")
	var ee *Error
	if !errors.As(err, &ee) {
		t.Fatalf("expected engine error, got %v", err)
	}
}
