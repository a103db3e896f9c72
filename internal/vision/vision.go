// Package vision implements the vision-LLM OCR engine. A single image is
// one chat-completions call under a hard cancellable timeout; a presliced
// PDF fans its rendered pages out to a small fixed worker pool.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pagelift/ocr-extraction-service/internal/config"
	"github.com/pagelift/ocr-extraction-service/internal/fault"
	"github.com/pagelift/ocr-extraction-service/internal/types"
)

const basePrompt = "Transcribe all text in this image exactly as written. " +
	"Preserve reading order and line breaks. Output only the transcription, " +
	"with no commentary. If the image contains no text, output nothing."

type Client struct {
	baseURL string
	key     string
	model   string
	http    *http.Client
	timeout time.Duration
	workers int
}

func New(cfg config.Config) *Client {
	workers := cfg.VisionPageWorkers
	if workers <= 0 {
		workers = 3
	}
	return &Client{
		baseURL: cfg.OpenAIBaseURL,
		key:     cfg.OpenAIKey,
		model:   cfg.VisionModel,
		http:    &http.Client{},
		timeout: cfg.VisionTimeout,
		workers: workers,
	}
}

// OCRImage transcribes one image. The call is wrapped in a hard timeout:
// on expiry the in-flight request is cancelled, not just abandoned.
func (c *Client) OCRImage(ctx context.Context, img []byte, mime string, languages []string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: prompt(languages)},
				{Type: "image_url", ImageURL: &imageURL{
					URL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img),
				}},
			},
		}},
	})
	if err != nil {
		return "", fault.From(err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fault.From(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return "", fault.Newf(fault.CodeUpstreamTimeout, 504,
				"vision model did not respond within %s", c.timeout)
		}
		return "", fault.New(fault.CodeUpstreamTimeout, 504, "vision request failed").
			WithDetail("cause", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fault.New(fault.CodeOpenAIMissing, 501, "vision engine rejected the configured credentials").
			WithDetail("status", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return "", fault.Newf(fault.CodeUpstreamTimeout, 504,
			"vision engine returned HTTP %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode).
			WithDetail("body", string(slurp))
	}

	var parsed chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&parsed); err != nil {
		return "", fault.New(fault.CodeUpstreamTimeout, 504, "vision engine returned an unreadable body").
			WithDetail("cause", err.Error())
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// OCRPages transcribes a presliced set of rendered pages. Worker count is
// min(configured limit, page count); each worker claims the next unclaimed
// index off an atomic counter and writes into a pre-sized slice, so output
// order matches page order regardless of completion order. One failed page
// fails the whole request.
func (c *Client) OCRPages(ctx context.Context, images [][]byte, languages []string) ([]types.PageResult, error) {
	if len(images) == 0 {
		return nil, nil
	}

	results := make([]string, len(images))
	var next atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	workers := min(c.workers, len(images))
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				i := int(next.Add(1)) - 1
				if i >= len(images) {
					return nil
				}
				text, err := c.OCRImage(gctx, images[i], "image/jpeg", languages)
				if err != nil {
					return fmt.Errorf("page %d: %w", i+1, err)
				}
				results[i] = text
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]types.PageResult, len(results))
	for i, text := range results {
		out[i] = types.PageResult{PageNumber: i + 1, Text: text}
	}
	return out, nil
}

func prompt(languages []string) string {
	if len(languages) == 0 {
		return basePrompt
	}
	return basePrompt + " The document language is likely: " + strings.Join(languages, ", ") + "."
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}
