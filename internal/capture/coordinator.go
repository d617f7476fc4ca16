// Package capture is the top-level state machine for getting content into
// the active chat: region capture, continuous recording and file uploads.
// At most one capture runs at a time.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/vprof/internal/bus"
	"github.com/kalambet/vprof/internal/frame"
	"github.com/kalambet/vprof/internal/media"
	"github.com/kalambet/vprof/internal/overlay"
	"github.com/kalambet/vprof/internal/recording"
	"github.com/kalambet/vprof/internal/services"
)

var (
	// ErrBusy is returned when a capture is already running.
	ErrBusy = errors.New("a capture is already in progress")
	// ErrNotRecording is returned by StopRecording when no recording runs.
	ErrNotRecording = errors.New("not recording")
)

// LabelPreferredCapture labels region capture entries.
const LabelPreferredCapture = "[Preferred Capture]"

type Mode string

const (
	ModeRegion    Mode = "region"
	ModeRecording Mode = "recording"
	ModeUpload    Mode = "upload"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusSelecting  Status = "selecting"
	StatusCapturing  Status = "capturing"
	StatusRecording  Status = "recording"
	StatusFinalizing Status = "finalizing"
	StatusError      Status = "error"
)

// Session is the state of the current capture. Message carries the last
// user-facing notice, such as a permission refusal.
type Session struct {
	Mode    Mode   `json:"mode,omitempty"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Platform performs the page-scoped browser calls for region capture.
type Platform interface {
	ActiveTab(ctx context.Context) (int, error)
	RequestHostPermission(ctx context.Context, tab int) error
	CaptureVisibleTab(ctx context.Context, tab int) ([]byte, error)
}

// Services are the OCR and transcription endpoints.
type Services interface {
	OCR(ctx context.Context, img services.File, prompt string) services.Result
	Transcribe(ctx context.Context, m services.File) services.Result
}

// Recorder is the continuous recording session manager.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (recording.Summary, error)
	State() recording.State
}

// Appender receives context entries for the active chat.
type Appender interface {
	Append(text, label string) (bool, error)
}

type Options struct {
	SelectionTimeout time.Duration
	MinSelection     float64
}

type Coordinator struct {
	platform Platform
	pages    bus.Sender
	svc      Services
	rec      Recorder
	entries  Appender
	opts     Options
	logger   *slog.Logger

	mu        sync.Mutex
	session   Session
	starting  bool
	waitTab   int
	selection chan frame.SelectionRect
}

func New(platform Platform, pages bus.Sender, svc Services, rec Recorder, entries Appender, opts Options) *Coordinator {
	if opts.SelectionTimeout <= 0 {
		opts.SelectionTimeout = 60 * time.Second
	}
	if opts.MinSelection <= 0 {
		opts.MinSelection = overlay.DefaultMinSize
	}
	return &Coordinator{
		platform: platform,
		pages:    pages,
		svc:      svc,
		rec:      rec,
		entries:  entries,
		opts:     opts,
		logger:   slog.Default(),
		session:  Session{Status: StatusIdle},
	}
}

// Status returns the current capture session.
func (c *Coordinator) Status() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleLocked()
	return c.session
}

// settleLocked returns a recording that ended on its own (e.g. the user
// stopped sharing) to idle.
func (c *Coordinator) settleLocked() {
	if c.session.Status == StatusRecording && !c.starting && c.rec != nil && c.rec.State() == recording.NotRecording {
		c.session = Session{Status: StatusIdle}
	}
}

// begin claims the coordinator. An errored session does not block a retry.
func (c *Coordinator) begin(mode Mode, status Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleLocked()
	if c.session.Status != StatusIdle && c.session.Status != StatusError {
		return ErrBusy
	}
	c.session = Session{Mode: mode, Status: status}
	c.starting = mode == ModeRecording
	return nil
}

func (c *Coordinator) idle(notice string) {
	c.mu.Lock()
	c.session = Session{Status: StatusIdle, Message: notice}
	c.selection = nil
	c.mu.Unlock()
}

func (c *Coordinator) fail(notice string, err error) error {
	c.mu.Lock()
	mode := c.session.Mode
	c.session = Session{Mode: mode, Status: StatusError, Message: notice}
	c.selection = nil
	c.mu.Unlock()
	c.logger.Warn("capture failed", "mode", mode, "notice", notice, "error", err)
	return err
}

func (c *Coordinator) append(text, label string) {
	if _, err := c.entries.Append(text, label); err != nil {
		c.logger.Error("appending context", "label", label, "error", err)
	}
}

// DeliverSelection hands a RectSelected from tab to a waiting region
// capture. Selections nobody waits for are dropped.
func (c *Coordinator) DeliverSelection(tab int, sel frame.SelectionRect) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selection == nil || c.session.Status != StatusSelecting || tab != c.waitTab {
		c.logger.Debug("unexpected region selection dropped", "tab", tab)
		return false
	}
	select {
	case c.selection <- sel:
		return true
	default:
		return false
	}
}

// StartRegionCapture runs one region capture: permission, overlay, wait for
// the selection, screenshot, crop and OCR. It returns once the capture has
// finished. A selection timeout or a too-small rectangle returns to idle
// without an entry; OCR failures become a visible entry.
func (c *Coordinator) StartRegionCapture(ctx context.Context) error {
	if err := c.begin(ModeRegion, StatusSelecting); err != nil {
		return err
	}

	tab, err := c.platform.ActiveTab(ctx)
	if err != nil {
		return c.fail("No active tab.", err)
	}
	if err := c.platform.RequestHostPermission(ctx, tab); err != nil {
		if errors.Is(err, media.ErrPermissionDenied) {
			return c.fail("Permission denied for this site.", err)
		}
		return c.fail("Could not request permission for this site.", err)
	}

	ch := make(chan frame.SelectionRect, 1)
	c.mu.Lock()
	c.waitTab, c.selection = tab, ch
	c.mu.Unlock()

	if err := c.pages.Send(ctx, bus.Page(tab), bus.InjectOverlay{}); err != nil {
		return c.fail("Could not show the selection overlay on this page.", err)
	}

	timer := time.NewTimer(c.opts.SelectionTimeout)
	defer timer.Stop()

	var sel frame.SelectionRect
	select {
	case sel = <-ch:
	case <-timer.C:
		c.logger.Info("region selection timed out", "tab", tab)
		c.idle("")
		return nil
	case <-ctx.Done():
		c.idle("")
		return ctx.Err()
	}

	if sel.TooSmall(c.opts.MinSelection) {
		c.logger.Debug("region selection below minimum size", "w", sel.W, "h", sel.H)
		c.idle("")
		return nil
	}

	c.mu.Lock()
	c.session.Status = StatusCapturing
	c.selection = nil
	c.mu.Unlock()

	shot, err := c.platform.CaptureVisibleTab(ctx, tab)
	if err != nil {
		return c.fail("Capture failed.", err)
	}
	img, err := frame.Crop(shot, sel)
	if err != nil {
		return c.fail("Crop failed.", err)
	}

	res := c.svc.OCR(ctx, services.File{Name: "capture.png", MimeType: "image/png", Data: img}, services.PromptRegion)
	switch {
	case !res.OK():
		c.append("OCR error: "+res.Err.Message, LabelPreferredCapture)
	case res.Text != "":
		c.append(res.Text, LabelPreferredCapture)
	}
	c.idle("")
	return nil
}

// StartRecording starts continuous capture. Cancelling the picker returns
// to idle with a notice and no error.
func (c *Coordinator) StartRecording(ctx context.Context) error {
	if err := c.begin(ModeRecording, StatusRecording); err != nil {
		return err
	}
	err := c.rec.Start(ctx)
	c.mu.Lock()
	c.starting = false
	c.mu.Unlock()
	if err != nil {
		switch {
		case errors.Is(err, media.ErrUserCancelled):
			c.idle("Capture cancelled.")
			return nil
		case errors.Is(err, recording.ErrBusy):
			c.idle("")
			return ErrBusy
		case errors.Is(err, media.ErrPermissionDenied):
			return c.fail("Permission denied for screen capture.", err)
		}
		return c.fail("Could not start recording.", err)
	}
	return nil
}

// StopRecording stops the running recording and waits for its transcript.
func (c *Coordinator) StopRecording(ctx context.Context) (recording.Summary, error) {
	c.mu.Lock()
	if c.session.Mode != ModeRecording || c.session.Status != StatusRecording {
		c.mu.Unlock()
		return recording.Summary{}, ErrNotRecording
	}
	c.session.Status = StatusFinalizing
	c.mu.Unlock()

	sum, err := c.rec.Stop(ctx)
	if err != nil {
		c.idle("")
		if errors.Is(err, recording.ErrNotRecording) {
			return sum, ErrNotRecording
		}
		return sum, err
	}
	notice := ""
	if sum.Err != nil {
		notice = "Transcription failed."
	}
	c.idle(notice)
	return sum, nil
}

// HandleUpload turns one uploaded file into a context entry. Processing
// failures are appended as entries; only ErrBusy is returned.
func (c *Coordinator) HandleUpload(ctx context.Context, f services.File) error {
	if err := c.begin(ModeUpload, StatusCapturing); err != nil {
		return err
	}
	defer c.idle("")

	text, label, err := c.process(ctx, f)
	if err != nil {
		c.logger.Warn("processing upload failed", "file", f.Name, "error", err)
		c.append(fmt.Sprintf("Error processing %s: %s", f.Name, errMessage(err)), LabelUpload)
		return nil
	}
	if strings.TrimSpace(text) != "" {
		c.append(text, label)
	}
	return nil
}

func errMessage(err error) string {
	var te *services.TransportError
	if errors.As(err, &te) {
		return te.Message
	}
	return err.Error()
}
