// Package azure drives the cloud long-running read OCR engine: one submit
// call yielding an operation handle, then a strictly sequential poll loop
// bounded by both a wall-clock deadline and a maximum attempt count.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pagelift/ocr-extraction-service/internal/config"
	"github.com/pagelift/ocr-extraction-service/internal/fault"
	"github.com/pagelift/ocr-extraction-service/internal/types"
)

const analyzePath = "/vision/v3.2/read/analyze"

// maxErrorBody bounds how much of an upstream error body is captured.
const maxErrorBody = 64 << 10

type Client struct {
	endpoint string
	key      string
	http     *http.Client

	pollInterval time.Duration
	pollTimeout  time.Duration
	retryMaxWait time.Duration
	maxAttempts  int
}

func New(cfg config.Config) *Client {
	return &Client{
		endpoint:     cfg.AzureEndpoint,
		key:          cfg.AzureKey,
		http:         &http.Client{Timeout: 30 * time.Second},
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
		retryMaxWait: cfg.RetryMaxWait,
		maxAttempts:  cfg.PollMaxAttempts,
	}
}

// Result is the normalized outcome of one read operation.
type Result struct {
	Pages    []types.PageResult
	Attempts int
}

// Process submits the document and polls the returned operation handle to a
// terminal state.
func (c *Client) Process(ctx context.Context, doc []byte, contentType string) (Result, error) {
	opURL, err := c.submit(ctx, doc, contentType)
	if err != nil {
		return Result{}, err
	}
	return c.poll(ctx, opURL)
}

func (c *Client) submit(ctx context.Context, doc []byte, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+analyzePath, bytes.NewReader(doc))
	if err != nil {
		return "", fault.From(err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.key)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fault.New(fault.CodeAzureFailed, 502, "read submit failed").
			WithDetail("cause", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fault.Newf(fault.CodeAzureFailed, 502,
			"read submit rejected with HTTP %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode).
			WithDetail("body", string(body))
	}

	opURL := resp.Header.Get("Operation-Location")
	if opURL == "" {
		return "", fault.New(fault.CodeAzureFailed, 502,
			"read submit accepted but returned no operation handle")
	}
	return opURL, nil
}

func (c *Client) poll(ctx context.Context, opURL string) (Result, error) {
	deadline := time.Now().Add(c.pollTimeout)
	attempts := 0
	deadlineHit := false

	for attempts < c.maxAttempts {
		if time.Now().After(deadline) {
			deadlineHit = true
			break
		}
		attempts++

		op, status, retryAfter, err := c.pollOnce(ctx, opURL)
		if err != nil {
			if f, ok := err.(*fault.Fault); ok {
				f.WithDetail("attempts", attempts)
				return Result{}, f
			}
			return Result{}, err
		}

		switch {
		case status >= 200 && status < 300:
			switch strings.ToLower(op.Status) {
			case "succeeded":
				return Result{Pages: flatten(op.AnalyzeResult), Attempts: attempts}, nil
			case "failed":
				f := fault.New(fault.CodeAzureFailed, 502, "read operation failed").
					WithDetail("attempts", attempts)
				if op.Error != nil {
					f.WithDetail("upstream", map[string]any{
						"code":    op.Error.Code,
						"message": op.Error.Message,
					})
				}
				return Result{}, f
			default:
				// queued / running: wait the fixed interval.
				if err := c.sleep(ctx, c.pollInterval); err != nil {
					return Result{}, err
				}
			}
		case status == http.StatusTooManyRequests || status >= 500:
			// Transient: honor the server's Retry-After hint, clamped so a
			// hostile hint can neither hammer nor stall the loop.
			if err := c.sleep(ctx, c.clampDelay(retryAfter)); err != nil {
				return Result{}, err
			}
		default:
			// Remaining 4xx are non-transient; never retried.
			return Result{}, fault.Newf(fault.CodeAzureFailed, 502,
				"read poll rejected with HTTP %d", status).
				WithDetail("status", status).
				WithDetail("attempts", attempts)
		}
	}

	f := fault.New(fault.CodeAzureTimeout, 504, "read operation did not complete in time").
		WithDetail("attempts", attempts)
	if deadlineHit {
		f.WithDetail("bound", "deadline")
	} else {
		f.WithDetail("bound", "maxAttempts")
	}
	return Result{Attempts: attempts}, f
}

func (c *Client) pollOnce(ctx context.Context, opURL string) (operation, int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opURL, nil)
	if err != nil {
		return operation{}, 0, 0, fault.From(err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return operation{}, 0, 0, fault.New(fault.CodeAzureFailed, 502, "read poll failed").
			WithDetail("cause", err.Error())
	}
	defer resp.Body.Close()

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

	var op operation
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&op); err != nil {
			return operation{}, 0, 0, fault.New(fault.CodeAzureFailed, 502, "read poll returned an unreadable body").
				WithDetail("cause", err.Error())
		}
	} else {
		// Drain a bounded amount so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	}
	return op, resp.StatusCode, retryAfter, nil
}

func (c *Client) clampDelay(hint time.Duration) time.Duration {
	if hint <= 0 {
		return c.pollInterval
	}
	if hint < c.pollInterval {
		return c.pollInterval
	}
	if hint > c.retryMaxWait {
		return c.retryMaxWait
	}
	return hint
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fault.New(fault.CodeUpstreamTimeout, 504, "request cancelled while waiting for read operation")
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// operation mirrors the long-running read operation body. Both response
// shapes the backend emits are supported: the classic readResults array and
// the newer pages array.
type operation struct {
	Status        string         `json:"status"`
	AnalyzeResult *analyzeResult `json:"analyzeResult"`
	Error         *opError       `json:"error"`
}

type opError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type analyzeResult struct {
	ReadResults []readResult `json:"readResults"`
	Pages       []diPage     `json:"pages"`
}

type readResult struct {
	Page  int        `json:"page"`
	Lines []readLine `json:"lines"`
}

type readLine struct {
	Text string `json:"text"`
}

type diPage struct {
	PageNumber int      `json:"pageNumber"`
	Lines      []diLine `json:"lines"`
}

type diLine struct {
	Content string `json:"content"`
}

// flatten joins per-page line arrays into ordered page results. Pages come
// back already ordered from the backend; page numbers are preserved as-is.
func flatten(ar *analyzeResult) []types.PageResult {
	if ar == nil {
		return nil
	}
	var out []types.PageResult
	if len(ar.ReadResults) > 0 {
		for i, rr := range ar.ReadResults {
			lines := make([]string, 0, len(rr.Lines))
			for _, l := range rr.Lines {
				lines = append(lines, l.Text)
			}
			page := rr.Page
			if page == 0 {
				page = i + 1
			}
			out = append(out, types.PageResult{PageNumber: page, Text: strings.Join(lines, "\n")})
		}
		return out
	}
	for i, p := range ar.Pages {
		lines := make([]string, 0, len(p.Lines))
		for _, l := range p.Lines {
			lines = append(lines, l.Content)
		}
		page := p.PageNumber
		if page == 0 {
			page = i + 1
		}
		out = append(out, types.PageResult{PageNumber: page, Text: strings.Join(lines, "\n")})
	}
	return out
}
