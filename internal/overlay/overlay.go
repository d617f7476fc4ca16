// Package overlay implements the interactive region picker shown on a page
// during region capture.
package overlay

import (
	"math"
	"sync"

	"github.com/kalambet/vprof/internal/frame"
)

// DefaultMinSize is the smallest width or height, in viewport pixels, that
// produces a selection.
const DefaultMinSize = 8

type EventKind int

const (
	PointerDown EventKind = iota
	PointerMove
	PointerUp
	Cancel
)

func (k EventKind) String() string {
	switch k {
	case PointerDown:
		return "down"
	case PointerMove:
		return "move"
	case PointerUp:
		return "up"
	case Cancel:
		return "cancel"
	}
	return "unknown"
}

// Event is one pointer event in viewport coordinates.
type Event struct {
	Kind EventKind
	X, Y float64
}

// Metrics are the page scroll offsets and device pixel ratio, read when the
// selection completes.
type Metrics struct {
	ScrollX          float64
	ScrollY          float64
	DevicePixelRatio float64
}

// Result is the single outcome of an overlay. OK is false when the user
// cancelled or the rectangle was below the minimum size.
type Result struct {
	Selection frame.SelectionRect
	OK        bool
}

// Overlay tracks one drag gesture and completes exactly once.
type Overlay struct {
	minSize float64
	metrics func() Metrics
	onClose func()

	mu       sync.Mutex
	dragging bool
	startX   float64
	startY   float64
	rect     frame.Rect
	closed   bool
	done     chan Result
}

// New creates an overlay. metrics is read once, at pointer-up.
func New(minSize float64, metrics func() Metrics) *Overlay {
	if minSize <= 0 {
		minSize = DefaultMinSize
	}
	if metrics == nil {
		metrics = func() Metrics { return Metrics{DevicePixelRatio: 1} }
	}
	return &Overlay{
		minSize: minSize,
		metrics: metrics,
		done:    make(chan Result, 1),
	}
}

// Done returns a channel that receives the result exactly once.
func (o *Overlay) Done() <-chan Result {
	return o.done
}

// Rect returns the rectangle currently drawn.
func (o *Overlay) Rect() frame.Rect {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rect
}

// Closed reports whether the overlay has completed and removed itself.
func (o *Overlay) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Handle applies one event. Events after completion are ignored.
func (o *Overlay) Handle(ev Event) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}

	var (
		finish bool
		res    Result
	)
	switch ev.Kind {
	case PointerDown:
		o.dragging = true
		o.startX, o.startY = ev.X, ev.Y
		o.rect = o.rectTo(ev.X, ev.Y)
	case PointerMove:
		if o.dragging {
			o.rect = o.rectTo(ev.X, ev.Y)
		}
	case PointerUp:
		finish = true
		if !o.dragging {
			break
		}
		o.dragging = false
		o.rect = o.rectTo(ev.X, ev.Y)
		if o.rect.W < o.minSize || o.rect.H < o.minSize {
			break
		}
		m := o.metrics()
		if m.DevicePixelRatio <= 0 {
			m.DevicePixelRatio = 1
		}
		res = Result{
			Selection: frame.SelectionRect{
				Rect:             o.rect,
				ScrollX:          m.ScrollX,
				ScrollY:          m.ScrollY,
				DevicePixelRatio: m.DevicePixelRatio,
			},
			OK: true,
		}
	case Cancel:
		finish = true
	}

	var onClose func()
	if finish {
		o.closed = true
		o.done <- res
		onClose = o.onClose
	}
	o.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

func (o *Overlay) Down(x, y float64) { o.Handle(Event{Kind: PointerDown, X: x, Y: y}) }
func (o *Overlay) Move(x, y float64) { o.Handle(Event{Kind: PointerMove, X: x, Y: y}) }
func (o *Overlay) Up(x, y float64)   { o.Handle(Event{Kind: PointerUp, X: x, Y: y}) }
func (o *Overlay) Cancel()           { o.Handle(Event{Kind: Cancel}) }

func (o *Overlay) rectTo(x, y float64) frame.Rect {
	return frame.Rect{
		X: math.Min(o.startX, x),
		Y: math.Min(o.startY, y),
		W: math.Abs(x - o.startX),
		H: math.Abs(y - o.startY),
	}
}

// Registry holds at most one live overlay per page.
type Registry struct {
	minSize float64

	mu   sync.Mutex
	live map[string]*Overlay
}

func NewRegistry(minSize float64) *Registry {
	return &Registry{minSize: minSize, live: make(map[string]*Overlay)}
}

// Inject returns the live overlay for page, creating one if there is none.
// created is false when an overlay was already showing.
func (r *Registry) Inject(page string, metrics func() Metrics) (ov *Overlay, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ov, ok := r.live[page]; ok {
		return ov, false
	}
	ov = New(r.minSize, metrics)
	ov.onClose = func() { r.remove(page, ov) }
	r.live[page] = ov
	return ov, true
}

// Get returns the live overlay for page.
func (r *Registry) Get(page string) (*Overlay, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ov, ok := r.live[page]
	return ov, ok
}

func (r *Registry) remove(page string, ov *Overlay) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live[page] == ov {
		delete(r.live, page)
	}
}
