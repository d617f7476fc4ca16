package page

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/kalambet/vprof/internal/bus"
	"github.com/kalambet/vprof/internal/overlay"
)

// Peer input frame types.
const (
	EventSelection    = "selection"
	EventTriggerClick = "trigger_click"
	EventPointer      = "pointer"
	EventMetrics      = "metrics"

	frameView = "view"
)

// inputFrame is one frame of raw page input from the peer.
type inputFrame struct {
	Type    string  `json:"type"`
	Text    string  `json:"text,omitempty"`
	Kind    string  `json:"kind,omitempty"`
	X       float64 `json:"x,omitempty"`
	Y       float64 `json:"y,omitempty"`
	ScrollX float64 `json:"scrollX,omitempty"`
	ScrollY float64 `json:"scrollY,omitempty"`
	DPR     float64 `json:"dpr,omitempty"`
}

type viewFrame struct {
	Type string `json:"type"`
	View
}

// connRenderer sends views to the peer.
type connRenderer struct{ conn *bus.Conn }

func (r connRenderer) Render(ctx context.Context, v View) error {
	return r.conn.WriteJSON(ctx, viewFrame{Type: frameView, View: v})
}

func pointerKind(s string) (overlay.EventKind, error) {
	switch s {
	case "down":
		return overlay.PointerDown, nil
	case "move":
		return overlay.PointerMove, nil
	case "up":
		return overlay.PointerUp, nil
	case "cancel":
		return overlay.Cancel, nil
	}
	return 0, fmt.Errorf("unknown pointer kind %q", s)
}

// Serve runs the page endpoint for tab over conn until the peer
// disconnects or ctx is done. Protocol messages sent by the peer are
// routed as coming from the tab; raw input frames drive the Affordance.
func Serve(ctx context.Context, conn *bus.Conn, tab int, router *bus.Router, overlays *overlay.Registry) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := slog.Default().With("tab", tab)
	out := router.Outbox(bus.Page(tab))
	aff := New(tab, out, overlays, connRenderer{conn: conn})
	defer aff.Close()

	mb := bus.NewMailbox(16)
	detach := router.Attach(bus.Page(tab), mb)
	defer detach()
	go mb.Run(ctx, aff, logger)

	logger.Info("page connected")
	defer logger.Info("page disconnected")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		data, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading page frame: %w", err)
		}
		if err := handleFrame(ctx, data, aff, out); err != nil {
			logger.Warn("page frame rejected", "error", err)
		}
	}
}

func handleFrame(ctx context.Context, data []byte, aff *Affordance, out bus.Sender) error {
	typ, err := bus.PeekType(data)
	if err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}

	if bus.IsMessageType(typ) {
		m, err := bus.Unmarshal(data)
		if err != nil {
			return err
		}
		to := bus.Background
		if _, ok := m.(bus.RectSelected); ok {
			to = bus.Panel
		}
		return out.Send(ctx, to, m)
	}

	var in inputFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decoding %s frame: %w", typ, err)
	}
	switch in.Type {
	case EventSelection:
		aff.SelectionChanged(ctx, in.Text)
	case EventTriggerClick:
		return aff.TriggerClicked(ctx)
	case EventMetrics:
		aff.SetMetrics(overlay.Metrics{ScrollX: in.ScrollX, ScrollY: in.ScrollY, DevicePixelRatio: in.DPR})
	case EventPointer:
		kind, err := pointerKind(in.Kind)
		if err != nil {
			return err
		}
		aff.Pointer(ctx, overlay.Event{Kind: kind, X: in.X, Y: in.Y})
	default:
		return fmt.Errorf("unknown frame type %q", in.Type)
	}
	return nil
}
