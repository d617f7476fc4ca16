package page

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/vprof/internal/bus"
	"github.com/kalambet/vprof/internal/frame"
	"github.com/kalambet/vprof/internal/overlay"
)

type sent struct {
	to  bus.Address
	msg bus.Message
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
}

func (s *fakeSender) Send(ctx context.Context, to bus.Address, m bus.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{to, m})
	return nil
}

func (s *fakeSender) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

type fakeRenderer struct {
	mu    sync.Mutex
	views []View
}

func (r *fakeRenderer) Render(ctx context.Context, v View) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
	return nil
}

func (r *fakeRenderer) last() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.views[len(r.views)-1]
}

func newAffordance() (*Affordance, *fakeSender, *fakeRenderer) {
	out := &fakeSender{}
	r := &fakeRenderer{}
	return New(7, out, overlay.NewRegistry(overlay.DefaultMinSize), r), out, r
}

func TestTriggerFollowsSelection(t *testing.T) {
	a, _, r := newAffordance()
	ctx := context.Background()

	a.SelectionChanged(ctx, "  ")
	assert.False(t, a.View().TriggerVisible)

	a.SelectionChanged(ctx, "limit of sin x / x")
	assert.True(t, a.View().TriggerVisible)
	assert.True(t, r.last().TriggerVisible)

	a.SelectionChanged(ctx, "")
	assert.False(t, a.View().TriggerVisible)
}

func TestClickOpensPanelAndDisarms(t *testing.T) {
	a, out, _ := newAffordance()
	ctx := context.Background()

	a.SelectionChanged(ctx, "eigenvalues")
	require.NoError(t, a.TriggerClicked(ctx))

	got := out.all()
	require.Len(t, got, 1)
	assert.Equal(t, bus.Background, got[0].to)
	assert.Equal(t, bus.OpenPanelWithContext{Context: "eigenvalues"}, got[0].msg)
	assert.False(t, a.View().TriggerVisible)

	// Disarmed: new selections do not show the trigger.
	a.SelectionChanged(ctx, "eigenvectors")
	assert.False(t, a.View().TriggerVisible)

	require.NoError(t, a.ShowTriggerAffordance(ctx, bus.Background, bus.ShowTriggerAffordance{}))
	assert.True(t, a.View().TriggerVisible)
}

func TestOverlaySelectionGoesToPanel(t *testing.T) {
	a, out, r := newAffordance()
	ctx := context.Background()
	a.SetMetrics(overlay.Metrics{ScrollY: 300, DevicePixelRatio: 2})

	require.NoError(t, a.InjectOverlay(ctx, bus.Panel, bus.InjectOverlay{}))
	require.NoError(t, a.InjectOverlay(ctx, bus.Panel, bus.InjectOverlay{}), "second inject is a no-op")
	require.NotNil(t, a.View().Overlay)

	a.Pointer(ctx, overlay.Event{Kind: overlay.PointerDown, X: 10, Y: 20})
	a.Pointer(ctx, overlay.Event{Kind: overlay.PointerMove, X: 60, Y: 50})
	assert.Equal(t, &frame.Rect{X: 10, Y: 20, W: 50, H: 30}, r.last().Overlay)
	a.Pointer(ctx, overlay.Event{Kind: overlay.PointerUp, X: 110, Y: 70})

	require.Eventually(t, func() bool { return len(out.all()) == 1 }, time.Second, time.Millisecond)
	got := out.all()[0]
	assert.Equal(t, bus.Panel, got.to)
	assert.Equal(t, bus.RectSelected{Selection: frame.SelectionRect{
		Rect:             frame.Rect{X: 10, Y: 20, W: 100, H: 50},
		ScrollY:          300,
		DevicePixelRatio: 2,
	}}, got.msg)
	assert.Nil(t, a.View().Overlay, "overlay removes itself")
}

func TestSmallOverlaySelectionSendsNothing(t *testing.T) {
	a, out, _ := newAffordance()
	ctx := context.Background()

	require.NoError(t, a.InjectOverlay(ctx, bus.Panel, bus.InjectOverlay{}))
	a.Pointer(ctx, overlay.Event{Kind: overlay.PointerDown, X: 10, Y: 10})
	a.Pointer(ctx, overlay.Event{Kind: overlay.PointerUp, X: 15, Y: 40})

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, out.all())
	assert.Nil(t, a.View().Overlay)
}

func TestPointerWithoutOverlayIgnored(t *testing.T) {
	a, out, r := newAffordance()
	a.Pointer(context.Background(), overlay.Event{Kind: overlay.PointerUp})
	assert.Empty(t, out.all())
	assert.Empty(t, r.views)
}

type envRecorder struct {
	bus.Unhandled
	ch chan bus.Envelope
}

func (e *envRecorder) OpenPanelWithContext(ctx context.Context, from bus.Address, m bus.OpenPanelWithContext) error {
	e.ch <- bus.Envelope{From: from, Msg: m}
	return nil
}

func (e *envRecorder) PanelOpened(ctx context.Context, from bus.Address, m bus.PanelOpened) error {
	e.ch <- bus.Envelope{From: from, Msg: m}
	return nil
}

func TestServeOverWebSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := bus.NewRouter()
	bg := bus.NewMailbox(4)
	router.Attach(bus.Background, bg)
	rec := &envRecorder{ch: make(chan bus.Envelope, 4)}
	go bg.Run(ctx, rec, nil)

	srv := httptest.NewServer(bus.Server(func(c *bus.Conn) {
		Serve(ctx, c, 12, router, overlay.NewRegistry(overlay.DefaultMinSize))
	}))
	defer srv.Close()

	peer, err := bus.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), "http://localhost/", nil)
	require.NoError(t, err)
	defer peer.Close()

	require.NoError(t, peer.WriteFrame(ctx, []byte(`{"type":"selection","text":"Bayes rule"}`)))
	frameData, err := peer.ReadFrame()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"view","triggerVisible":true}`, string(frameData))

	require.NoError(t, peer.WriteFrame(ctx, []byte(`{"type":"trigger_click"}`)))
	// Original extension frames are routed unchanged.
	require.NoError(t, peer.WriteFrame(ctx, []byte(`{"type":"PANEL_OPENED"}`)))

	for _, want := range []bus.Message{bus.OpenPanelWithContext{Context: "Bayes rule"}, bus.PanelOpened{}} {
		select {
		case env := <-rec.ch:
			assert.Equal(t, bus.Page(12), env.From)
			assert.Equal(t, want, env.Msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("background did not receive %s", want.Type())
		}
	}

	require.Eventually(t, func() bool { return router.Attached(bus.Page(12)) }, time.Second, time.Millisecond)
}
