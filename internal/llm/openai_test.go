package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zorxido-ai/zorxido/config"
)

func testProvider(t *testing.T, handler http.HandlerFunc) *openAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return newOpenAIProvider(config.LLMConfig{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		Timeout:    5 * time.Second,
		MaxRetries: 1,
	})
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hello"}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`)
	})

	res, err := p.Generate(context.Background(), GenerateRequest{Model: "gpt-4o-mini", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "hello" {
		t.Fatalf("Text = %q, want %q", res.Text, "hello")
	}
	if res.TotalTokens() != 15 {
		t.Fatalf("TotalTokens = %d, want 15", res.TotalTokens())
	}
}

func TestGenerateRetriesTransientFailure(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"recovered"}}]}`)
	})

	res, err := p.Generate(context.Background(), GenerateRequest{Model: "gpt-4o-mini", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "recovered" {
		t.Fatalf("Text = %q", res.Text)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestGenerateDoesNotRetryClientError(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	if _, err := p.Generate(context.Background(), GenerateRequest{Model: "m", Prompt: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestGenerateStream(t *testing.T) {
	t.Parallel()
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var deltas []string
	res, err := p.GenerateStream(context.Background(), GenerateRequest{Model: "m", Prompt: "x"}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if res.Text != "Hello" {
		t.Fatalf("Text = %q, want %q", res.Text, "Hello")
	}
	if strings.Join(deltas, "|") != "Hel|lo" {
		t.Fatalf("deltas = %v", deltas)
	}
}

func TestGenerateStreamDeltaErrorAborts(t *testing.T) {
	t.Parallel()
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	wantErr := fmt.Errorf("sink closed")
	res, err := p.GenerateStream(context.Background(), GenerateRequest{Model: "m", Prompt: "x"}, func(d string) error {
		return wantErr
	})
	if err == nil || err.Error() != wantErr.Error() {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if res.Text != "a" {
		t.Fatalf("partial Text = %q, want %q", res.Text, "a")
	}
}

func TestEmbedPreservesOrder(t *testing.T) {
	t.Parallel()
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		// out of order on purpose
		fmt.Fprint(w, `{"data":[{"index":1,"embedding":[0.2]},{"index":0,"embedding":[0.1]}]}`)
	})

	vecs, err := p.Embed(context.Background(), "text-embedding-3-small", []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 0.1 || vecs[1][0] != 0.2 {
		t.Fatalf("vecs = %v", vecs)
	}
}

func TestEmbedEmptyInput(t *testing.T) {
	t.Parallel()
	p := newOpenAIProvider(config.LLMConfig{APIKey: "k"})
	vecs, err := p.Embed(context.Background(), "m", nil)
	if err != nil || vecs != nil {
		t.Fatalf("Embed(nil) = %v, %v", vecs, err)
	}
}
