package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pagelift/ocr-extraction-service/internal/config"
	"github.com/pagelift/ocr-extraction-service/internal/fault"
)

func testClient(baseURL string, workers int) *Client {
	return New(config.Config{
		OpenAIBaseURL:     baseURL,
		OpenAIKey:         "test-key",
		VisionModel:       "test-vision",
		VisionTimeout:     2 * time.Second,
		VisionPageWorkers: workers,
	})
}

func chatReply(text string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": text}},
		},
	})
	return string(b)
}

func TestOCRImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("missing bearer token")
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "test-vision" {
			t.Errorf("model %s", req.Model)
		}
		parts := req.Messages[0].Content
		if len(parts) != 2 || parts[1].ImageURL == nil {
			t.Fatalf("expected text + image parts, got %+v", parts)
		}
		if !strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,") {
			t.Errorf("image part is not a data URI: %.40s", parts[1].ImageURL.URL)
		}
		fmt.Fprint(w, chatReply("  transcribed text  "))
	}))
	t.Cleanup(srv.Close)

	got, err := testClient(srv.URL, 3).OCRImage(context.Background(), []byte("png-bytes"), "image/png", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "transcribed text" {
		t.Errorf("got %q", got)
	}
}

func TestOCRImageLanguageHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !strings.Contains(req.Messages[0].Content[0].Text, "deu, eng") {
			t.Errorf("language hint missing from prompt: %q", req.Messages[0].Content[0].Text)
		}
		fmt.Fprint(w, chatReply("ok"))
	}))
	t.Cleanup(srv.Close)

	if _, err := testClient(srv.URL, 3).OCRImage(context.Background(), []byte("x"), "image/png", []string{"deu", "eng"}); err != nil {
		t.Fatal(err)
	}
}

func TestOCRImageTimeoutCancelsCall(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			// The client must cancel the in-flight request, not just stop waiting.
			close(release)
		}
	}))
	t.Cleanup(srv.Close)

	c := testClient(srv.URL, 3)
	c.timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := c.OCRImage(context.Background(), []byte("x"), "image/png", nil)
	var f *fault.Fault
	if !errors.As(err, &f) || f.Code != fault.CodeUpstreamTimeout || f.HTTPStatus != 504 {
		t.Fatalf("expected upstream_timeout/504, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout did not fire promptly, took %v", elapsed)
	}

	select {
	case <-release:
	case <-time.After(time.Second):
		t.Error("server never observed the cancellation")
	}
}

func TestOCRImageAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	_, err := testClient(srv.URL, 3).OCRImage(context.Background(), []byte("x"), "image/png", nil)
	var f *fault.Fault
	if !errors.As(err, &f) || f.Code != fault.CodeOpenAIMissing || f.HTTPStatus != 501 {
		t.Fatalf("expected openai_missing/501, got %v", err)
	}
}

// pageFromDataURI recovers which page an OCR call was for by decoding the
// payload the test itself planted.
func pageFromDataURI(t *testing.T, r *http.Request) string {
	t.Helper()
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	uri := req.Messages[0].Content[1].ImageURL.URL
	return uri[strings.LastIndex(uri, ",")+1:]
}

func TestOCRPagesOrderStableUnderOutOfOrderCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b64 := pageFromDataURI(t, r)
		// "cGFnZTE=" is page1; delay it so page 3 finishes first.
		if b64 == "cGFnZTE=" {
			time.Sleep(100 * time.Millisecond)
		}
		fmt.Fprint(w, chatReply("text-"+b64))
	}))
	t.Cleanup(srv.Close)

	images := [][]byte{[]byte("page1"), []byte("page2"), []byte("page3")}
	pages, err := testClient(srv.URL, 3).OCRPages(context.Background(), images, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(pages))
	}
	for i, want := range []string{"text-cGFnZTE=", "text-cGFnZTI=", "text-cGFnZTM="} {
		if pages[i].PageNumber != i+1 {
			t.Errorf("position %d holds page %d", i, pages[i].PageNumber)
		}
		if pages[i].Text != want {
			t.Errorf("page %d text %q, want %q", i+1, pages[i].Text, want)
		}
	}
}

func TestOCRPagesSinglePageFailureFailsRequest(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 2 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, chatReply("ok"))
	}))
	t.Cleanup(srv.Close)

	images := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	_, err := testClient(srv.URL, 1).OCRPages(context.Background(), images, nil)
	if err == nil {
		t.Fatal("expected the pool to fail when one page fails")
	}
	var f *fault.Fault
	if !errors.As(err, &f) || f.Code != fault.CodeOpenAIMissing {
		t.Errorf("expected the page fault to propagate, got %v", err)
	}
}

func TestOCRPagesWorkerCap(t *testing.T) {
	var inFlight, peak atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		fmt.Fprint(w, chatReply("ok"))
	}))
	t.Cleanup(srv.Close)

	images := make([][]byte, 9)
	for i := range images {
		images[i] = []byte{byte(i)}
	}
	if _, err := testClient(srv.URL, 3).OCRPages(context.Background(), images, nil); err != nil {
		t.Fatal(err)
	}
	if p := peak.Load(); p > 3 {
		t.Errorf("worker pool exceeded limit: peak %d", p)
	}
}

func TestOCRPagesEmptyInput(t *testing.T) {
	pages, err := testClient("http://unused.invalid", 3).OCRPages(context.Background(), nil, nil)
	if err != nil || pages != nil {
		t.Errorf("expected nil/nil, got %v %v", pages, err)
	}
}
