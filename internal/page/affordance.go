// Package page models the affordances embedded in a browser tab: the
// floating trigger shown over a text selection and the region overlay.
// The browser peer forwards raw input; rendering is driven from here.
package page

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/vprof/internal/bus"
	"github.com/kalambet/vprof/internal/frame"
	"github.com/kalambet/vprof/internal/overlay"
)

// View is what the peer should display.
type View struct {
	TriggerVisible bool        `json:"triggerVisible"`
	Overlay        *frame.Rect `json:"overlay,omitempty"`
}

// Renderer pushes a View to the page.
type Renderer interface {
	Render(ctx context.Context, v View) error
}

const sendTimeout = 5 * time.Second

// Affordance is the page endpoint for one tab. It implements bus.Handler.
type Affordance struct {
	bus.Unhandled

	tab      int
	out      bus.Sender
	overlays *overlay.Registry
	render   Renderer
	logger   *slog.Logger

	mu        sync.Mutex
	selection string
	armed     bool
	visible   bool
	metrics   overlay.Metrics
}

func New(tab int, out bus.Sender, overlays *overlay.Registry, render Renderer) *Affordance {
	return &Affordance{
		tab:      tab,
		out:      out,
		overlays: overlays,
		render:   render,
		logger:   slog.Default().With("tab", tab),
		armed:    true,
		metrics:  overlay.Metrics{DevicePixelRatio: 1},
	}
}

func (a *Affordance) key() string { return strconv.Itoa(a.tab) }

// View returns the current view.
func (a *Affordance) View() View {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.viewLocked()
}

func (a *Affordance) viewLocked() View {
	v := View{TriggerVisible: a.visible}
	if ov, ok := a.overlays.Get(a.key()); ok {
		r := ov.Rect()
		v.Overlay = &r
	}
	return v
}

func (a *Affordance) push(ctx context.Context) {
	if a.render == nil {
		return
	}
	if err := a.render.Render(ctx, a.View()); err != nil {
		a.logger.Debug("rendering page view failed", "error", err)
	}
}

// SelectionChanged shows the trigger when there is selected text and the
// trigger is armed.
func (a *Affordance) SelectionChanged(ctx context.Context, text string) {
	a.mu.Lock()
	a.selection = text
	was := a.visible
	a.visible = a.armed && strings.TrimSpace(text) != ""
	changed := was != a.visible
	a.mu.Unlock()
	if changed {
		a.push(ctx)
	}
}

// TriggerClicked asks the background to open the panel with the current
// selection and hides the trigger until re-armed.
func (a *Affordance) TriggerClicked(ctx context.Context) error {
	a.mu.Lock()
	sel := a.selection
	a.armed = false
	a.visible = false
	a.mu.Unlock()

	a.push(ctx)
	return a.out.Send(ctx, bus.Background, bus.OpenPanelWithContext{Context: sel})
}

// SetMetrics records the page's current scroll offsets and pixel ratio.
func (a *Affordance) SetMetrics(m overlay.Metrics) {
	if m.DevicePixelRatio <= 0 {
		m.DevicePixelRatio = 1
	}
	a.mu.Lock()
	a.metrics = m
	a.mu.Unlock()
}

func (a *Affordance) currentMetrics() overlay.Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// Pointer feeds one pointer event to the live overlay, if any.
func (a *Affordance) Pointer(ctx context.Context, ev overlay.Event) {
	ov, ok := a.overlays.Get(a.key())
	if !ok {
		return
	}
	ov.Handle(ev)
	a.push(ctx)
}

// Close cancels a live overlay.
func (a *Affordance) Close() {
	if ov, ok := a.overlays.Get(a.key()); ok {
		ov.Cancel()
	}
}

func (a *Affordance) ShowTriggerAffordance(ctx context.Context, _ bus.Address, _ bus.ShowTriggerAffordance) error {
	a.mu.Lock()
	a.armed = true
	a.visible = strings.TrimSpace(a.selection) != ""
	a.mu.Unlock()
	a.push(ctx)
	return nil
}

// InjectOverlay shows the region selector. A second injection while one is
// live is ignored.
func (a *Affordance) InjectOverlay(ctx context.Context, _ bus.Address, _ bus.InjectOverlay) error {
	ov, created := a.overlays.Inject(a.key(), a.currentMetrics)
	if !created {
		a.logger.Debug("overlay already showing")
		return nil
	}
	go a.await(ov)
	a.push(ctx)
	return nil
}

// await forwards the overlay's single result to the panel. Rejected
// selections send nothing.
func (a *Affordance) await(ov *overlay.Overlay) {
	res := <-ov.Done()
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if !res.OK {
		a.logger.Debug("region selection discarded")
		return
	}
	if err := a.out.Send(ctx, bus.Panel, bus.RectSelected{Selection: res.Selection}); err != nil {
		a.logger.Warn("sending selection failed", "error", err)
	}
}
