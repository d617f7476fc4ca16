// Package services calls the external OCR, transcription and answer
// endpoints. Calls never fail with a Go error; failures are returned as a
// *TransportError inside the Result so callers can keep their pipeline
// running and render the message.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/kalambet/vprof/internal/config"
)

// OCR prompts used by the capture paths.
const (
	PromptRegion = "OCR this region exactly. Return clear text in reading order."
	PromptFrame  = "OCR this image exactly. Return clear text. Ignore UI chrome."
	PromptUpload = "OCR this image exactly. Return clean text."
)

const (
	ocrPath        = "/api/vinay/ocr"
	transcribePath = "/api/vinay/transcribe"
	askPath        = "/api/vinay/ask"
	hintsPath      = "/api/hints"

	maxResponseBytes = 8 << 20
	probeTimeout     = 3 * time.Second
)

// ErrNoService is returned by Discover when no candidate answered.
var ErrNoService = errors.New("could not reach the app API")

// TransportError describes a failed call in human-readable form.
type TransportError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Op, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Result is the outcome of one call. Exactly one of Text or Err is
// meaningful; Text may be empty on success.
type Result struct {
	Text string
	Err  *TransportError
}

func (r Result) OK() bool { return r.Err == nil }

// File is an in-memory upload.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// BaseStore persists the last base URL that answered discovery.
// Implemented by session.Store.
type BaseStore interface {
	DiscoveredBaseURL() string
	SetDiscoveredBaseURL(u string) error
}

// Client talks to the tutoring app's API.
type Client struct {
	httpClient *http.Client
	candidates []string
	store      BaseStore
	logger     *slog.Logger

	ocrTimeout        time.Duration
	transcribeTimeout time.Duration
	askTimeout        time.Duration

	mu   sync.RWMutex
	base string
}

// New creates a Client from configuration. store may be nil.
func New(cfg config.ServicesConfig, store BaseStore) *Client {
	c := &Client{
		httpClient:        &http.Client{Transport: newTransport()},
		candidates:        cfg.BaseCandidates(),
		store:             store,
		logger:            slog.Default(),
		ocrTimeout:        cfg.OCRTimeout,
		transcribeTimeout: cfg.TranscribeTimeout,
		askTimeout:        cfg.AskTimeout,
	}
	if len(c.candidates) > 0 {
		c.base = c.candidates[0]
	}
	if store != nil {
		if saved := store.DiscoveredBaseURL(); saved != "" {
			c.base = saved
		}
	}
	return c
}

// NewWithBaseURL creates a client pinned to baseURL with no discovery
// candidates (for testing).
func NewWithBaseURL(baseURL string) *Client {
	base := strings.TrimRight(baseURL, "/")
	return New(config.ServicesConfig{
		Candidates:        []string{base},
		OCRTimeout:        30 * time.Second,
		TranscribeTimeout: 120 * time.Second,
		AskTimeout:        60 * time.Second,
	}, nil)
}

func newTransport() http.RoundTripper {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		slog.Warn("http2 not enabled for services transport", "error", err)
	}
	return tr
}

// BaseURL returns the base URL calls are currently sent to.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.base
}

// Discover probes the persisted base URL and then each configured candidate
// with GET /api/hints. The first 2xx answer wins and is persisted.
func (c *Client) Discover(ctx context.Context) (string, error) {
	var order []string
	if c.store != nil {
		if saved := c.store.DiscoveredBaseURL(); saved != "" {
			order = append(order, saved)
		}
	}
	for _, cand := range c.candidates {
		if len(order) == 0 || cand != order[0] {
			order = append(order, cand)
		}
	}

	for _, base := range order {
		if !c.probe(ctx, base) {
			continue
		}
		c.mu.Lock()
		c.base = base
		c.mu.Unlock()
		if c.store != nil {
			if err := c.store.SetDiscoveredBaseURL(base); err != nil {
				c.logger.Warn("could not persist discovered base URL", "base", base, "error", err)
			}
		}
		c.logger.Info("services discovered", "base", base)
		return base, nil
	}
	return "", ErrNoService
}

func (c *Client) probe(ctx context.Context, base string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+hintsPath, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("services probe failed", "base", base, "error", err)
		return false
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// OCR sends an image with an instruction and returns the recognized text.
func (c *Client) OCR(ctx context.Context, img File, prompt string) Result {
	if img.Name == "" {
		img.Name = "capture.png"
	}
	if img.MimeType == "" {
		img.MimeType = "image/png"
	}
	fields := map[string]string{"prompt": prompt}
	return c.upload(ctx, "ocr", ocrPath, img, fields, c.ocrTimeout)
}

// Transcribe sends a media file and returns its transcript.
func (c *Client) Transcribe(ctx context.Context, media File) Result {
	if media.Name == "" {
		media.Name = "recording.webm"
	}
	return c.upload(ctx, "transcribe", transcribePath, media, nil, c.transcribeTimeout)
}

type askRequest struct {
	Prompt  string `json:"prompt"`
	Context string `json:"context"`
}

// Ask sends a question together with the chat context.
func (c *Client) Ask(ctx context.Context, prompt, chatContext string) Result {
	body, err := json.Marshal(askRequest{Prompt: prompt, Context: chatContext})
	if err != nil {
		return failure("ask", 0, "encoding request", err)
	}
	return c.do(ctx, "ask", askPath, "application/json", body, c.askTimeout)
}

func (c *Client) upload(ctx context.Context, op, path string, f File, fields map[string]string, timeout time.Duration) Result {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.Name))
	if f.MimeType != "" {
		h.Set("Content-Type", f.MimeType)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	part, err := w.CreatePart(h)
	if err != nil {
		return failure(op, 0, "building form", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return failure(op, 0, "building form", err)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return failure(op, 0, "building form", err)
		}
	}
	if err := w.Close(); err != nil {
		return failure(op, 0, "building form", err)
	}
	return c.do(ctx, op, path, w.FormDataContentType(), buf.Bytes(), timeout)
}

// reply covers every response shape the endpoints produce.
type reply struct {
	Text    *string `json:"text"`
	Answer  *string `json:"answer"`
	Error   any     `json:"error"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (r reply) text() (string, bool) {
	switch {
	case r.Text != nil:
		return *r.Text, true
	case r.Answer != nil:
		return *r.Answer, true
	case len(r.Choices) > 0:
		return r.Choices[0].Message.Content, true
	}
	return "", false
}

func (r reply) errorMessage() string {
	switch v := r.Error.(type) {
	case string:
		return v
	case map[string]any:
		if m, ok := v["message"].(string); ok {
			return m
		}
	}
	return ""
}

func (c *Client) do(ctx context.Context, op, path, contentType string, body []byte, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	url := c.BaseURL() + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failure(op, 0, "creating request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return failure(op, 0, fmt.Sprintf("timed out after %s", timeout), err)
		}
		return failure(op, 0, "request failed: "+err.Error(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return failure(op, resp.StatusCode, "reading response", err)
	}
	c.logger.Debug("services call", "op", op, "status", resp.StatusCode, "duration", time.Since(start), "bytes", len(body))

	var r reply
	decodeErr := json.Unmarshal(raw, &r)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := ""
		if decodeErr == nil {
			msg = r.errorMessage()
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return failure(op, resp.StatusCode, msg, nil)
	}
	if decodeErr != nil {
		return failure(op, resp.StatusCode, "malformed response", decodeErr)
	}
	if text, ok := r.text(); ok {
		return Result{Text: strings.TrimSpace(text)}
	}
	if msg := r.errorMessage(); msg != "" {
		return failure(op, resp.StatusCode, msg, nil)
	}
	return Result{}
}

func failure(op string, status int, msg string, err error) Result {
	return Result{Err: &TransportError{Op: op, Status: status, Message: msg, Err: err}}
}
