// Package bridge lets the browser peer fulfil platform calls (opening the
// panel, screenshots, permissions, capture streams, recorders) for the
// daemon. Calls are JSON requests over a WebSocket; the peer replies by
// request ID and pushes recorder output as events.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/vprof/internal/bus"
	"github.com/kalambet/vprof/internal/media"
)

// Operations understood by the peer.
const (
	OpPanelOpen         = "panel.open"
	OpTabActive         = "tab.active"
	OpTabScreenshot     = "tab.screenshot"
	OpPermissionRequest = "permission.request"
	OpTabCapture        = "tab.capture"
	OpDisplayPick       = "display.pick"
	OpMicOpen           = "mic.open"
	OpAudioMix          = "audio.mix"
	OpStreamSnapshot    = "stream.snapshot"
	OpTrackStop         = "track.stop"
	OpRecorderStart     = "recorder.start"
	OpRecorderStop      = "recorder.stop"

	EventRecorderChunk = "recorder.chunk"
	EventTabRemoved    = "tab.removed"
)

// Error codes sent by the peer.
const (
	CodePermissionDenied = "permission_denied"
	CodeUnavailable      = "unavailable"
	CodeCancelled        = "cancelled"
)

// ErrNotConnected is returned when no peer is attached.
var ErrNotConnected = errors.New("browser peer not connected")

// RemoteError is a failure reported by the peer.
type RemoteError struct {
	Op      string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case CodePermissionDenied:
		return media.ErrPermissionDenied
	case CodeUnavailable:
		return media.ErrCaptureUnavailable
	case CodeCancelled:
		return media.ErrUserCancelled
	}
	return nil
}

type request struct {
	ID     string `json:"id"`
	Op     string `json:"op"`
	Params any    `json:"params,omitempty"`
}

type remoteErr struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// inbound is either a reply (ID set) or an event (Event set).
type inbound struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *remoteErr      `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type reply struct {
	result json.RawMessage
	err    *remoteErr
}

// Bridge is the daemon side of the peer connection. One peer is attached
// at a time; a new connection replaces the old one.
type Bridge struct {
	timeout time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	conn       *bus.Conn
	pending    map[string]chan reply
	recordings map[string]*recording
	tabRemoved func(tab int)
}

// New returns a bridge whose calls time out after timeout unless the caller's
// context ends first. Calls that wait on the user (pickers, permissions)
// are bounded by the caller's context only.
func New(timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Bridge{
		timeout:    timeout,
		logger:     slog.Default(),
		pending:    make(map[string]chan reply),
		recordings: make(map[string]*recording),
	}
}

// OnTabRemoved registers fn to run when the peer reports a closed tab.
func (b *Bridge) OnTabRemoved(fn func(tab int)) {
	b.mu.Lock()
	b.tabRemoved = fn
	b.mu.Unlock()
}

// Connected reports whether a peer is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Serve attaches conn as the peer and reads replies and events until it
// disconnects. Outstanding calls fail with ErrNotConnected.
func (b *Bridge) Serve(ctx context.Context, conn *bus.Conn) error {
	b.mu.Lock()
	prev := b.conn
	b.conn = conn
	b.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	b.logger.Info("browser peer connected")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer b.detach(conn)

	for {
		data, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading peer frame: %w", err)
		}
		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			b.logger.Warn("malformed peer frame", "error", err)
			continue
		}
		switch {
		case in.Event != "":
			b.handleEvent(in)
		case in.ID != "":
			b.resolve(in)
		default:
			b.logger.Warn("peer frame without id or event")
		}
	}
}

func (b *Bridge) detach(conn *bus.Conn) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	pending := b.pending
	b.pending = make(map[string]chan reply)
	recs := b.recordings
	b.recordings = make(map[string]*recording)
	b.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, r := range recs {
		r.finish()
	}
	b.logger.Info("browser peer disconnected")
}

func (b *Bridge) resolve(in inbound) {
	b.mu.Lock()
	ch, ok := b.pending[in.ID]
	delete(b.pending, in.ID)
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("reply for unknown request", "id", in.ID)
		return
	}
	ch <- reply{result: in.Result, err: in.Error}
}

// call sends one request and decodes the reply into out (which may be nil).
// bounded selects the bridge timeout; user-facing calls pass false.
func (b *Bridge) call(ctx context.Context, op string, params, out any, bounded bool) error {
	if bounded {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch := make(chan reply, 1)

	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", op, ErrNotConnected)
	}
	b.pending[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if err := conn.WriteJSON(ctx, request{ID: id, Op: op, Params: params}); err != nil {
		return fmt.Errorf("%s: sending request: %w", op, err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	case rep, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", op, ErrNotConnected)
		}
		if rep.err != nil {
			return &RemoteError{Op: op, Code: rep.err.Code, Message: rep.err.Message}
		}
		if out == nil || len(rep.result) == 0 {
			return nil
		}
		if err := json.Unmarshal(rep.result, out); err != nil {
			return fmt.Errorf("%s: decoding result: %w", op, err)
		}
		return nil
	}
}

type tabParams struct {
	Tab int `json:"tab"`
}

// OpenPanel opens the side panel for tab.
func (b *Bridge) OpenPanel(ctx context.Context, tab int) error {
	return b.call(ctx, OpPanelOpen, tabParams{Tab: tab}, nil, true)
}

// ActiveTab returns the focused tab of the current window.
func (b *Bridge) ActiveTab(ctx context.Context) (int, error) {
	var res tabParams
	if err := b.call(ctx, OpTabActive, nil, &res, true); err != nil {
		return 0, err
	}
	return res.Tab, nil
}

// RequestHostPermission asks for the page-scoped permission needed to
// inject into and screenshot tab. It waits on the user.
func (b *Bridge) RequestHostPermission(ctx context.Context, tab int) error {
	var res struct {
		Granted bool `json:"granted"`
	}
	if err := b.call(ctx, OpPermissionRequest, tabParams{Tab: tab}, &res, false); err != nil {
		return err
	}
	if !res.Granted {
		return fmt.Errorf("%s: %w", OpPermissionRequest, media.ErrPermissionDenied)
	}
	return nil
}

type pngResult struct {
	PNG []byte `json:"png"`
}

// CaptureVisibleTab returns a PNG of tab's visible viewport.
func (b *Bridge) CaptureVisibleTab(ctx context.Context, tab int) ([]byte, error) {
	var res pngResult
	if err := b.call(ctx, OpTabScreenshot, tabParams{Tab: tab}, &res, true); err != nil {
		return nil, err
	}
	if len(res.PNG) == 0 {
		return nil, fmt.Errorf("%s: empty image", OpTabScreenshot)
	}
	return res.PNG, nil
}
