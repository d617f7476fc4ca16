package background

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/vprof/internal/bus"
)

type fakePlatform struct {
	active    int
	activeErr error
	openErr   error
	opened    []int
}

func (p *fakePlatform) OpenPanel(ctx context.Context, tab int) error {
	p.opened = append(p.opened, tab)
	return p.openErr
}

func (p *fakePlatform) ActiveTab(ctx context.Context) (int, error) {
	return p.active, p.activeErr
}

type fakeStash struct{ text *string }

func (s *fakeStash) SetLastCapturedContext(text string) error {
	s.text = &text
	return nil
}

type sent struct {
	to  bus.Address
	msg bus.Message
}

type fakeSender struct{ sent []sent }

func (s *fakeSender) Send(ctx context.Context, to bus.Address, m bus.Message) error {
	s.sent = append(s.sent, sent{to, m})
	return nil
}

func setup() (*Coordinator, *fakePlatform, *fakeStash, *fakeSender) {
	p := &fakePlatform{active: 3}
	st := &fakeStash{}
	out := &fakeSender{}
	return New(p, st, out), p, st, out
}

func TestOpenPanelWithContext(t *testing.T) {
	c, p, st, _ := setup()
	ctx := context.Background()

	msg := bus.Envelope{From: bus.Page(3), Msg: bus.OpenPanelWithContext{Context: "derivative of x^2"}}
	require.NoError(t, bus.Dispatch(ctx, c, msg))

	require.NotNil(t, st.text)
	assert.Equal(t, "derivative of x^2", *st.text)
	assert.Equal(t, []int{3}, p.opened)
	assert.True(t, c.IsOpen(3))
	assert.False(t, c.IsArmed(3))
}

func TestOpenPanelWithContextRequiresPage(t *testing.T) {
	c, _, _, _ := setup()
	err := c.OpenPanelWithContext(context.Background(), bus.Panel, bus.OpenPanelWithContext{})
	assert.Error(t, err)
}

func TestPanelClosedRearmsOnce(t *testing.T) {
	c, _, _, out := setup()
	ctx := context.Background()

	require.NoError(t, c.OpenPanelWithContext(ctx, bus.Page(3), bus.OpenPanelWithContext{Context: "x"}))
	require.NoError(t, c.PanelClosed(ctx, bus.Panel, bus.PanelClosed{}))
	require.NoError(t, c.PanelClosed(ctx, bus.Panel, bus.PanelClosed{}))

	require.Len(t, out.sent, 1, "re-arming an armed tab is a no-op")
	assert.Equal(t, bus.Page(3), out.sent[0].to)
	assert.Equal(t, bus.ShowTriggerAffordance{}, out.sent[0].msg)
	assert.False(t, c.IsOpen(3))
	assert.True(t, c.IsArmed(3))
}

func TestPanelLifecycleRequiresPanel(t *testing.T) {
	c, _, _, out := setup()
	ctx := context.Background()
	require.NoError(t, c.OpenPanelWithContext(ctx, bus.Page(3), bus.OpenPanelWithContext{Context: "x"}))

	assert.Error(t, bus.Dispatch(ctx, c, bus.Envelope{From: bus.Page(3), Msg: bus.PanelClosed{}}))
	assert.Error(t, bus.Dispatch(ctx, c, bus.Envelope{From: bus.Page(7), Msg: bus.PanelOpened{}}))

	assert.Empty(t, out.sent)
	assert.True(t, c.IsOpen(3))
	assert.False(t, c.IsArmed(3))
	assert.False(t, c.IsOpen(7))
}

func TestPanelOpenedTracksActiveTab(t *testing.T) {
	c, p, _, _ := setup()
	p.active = 9
	require.NoError(t, c.PanelOpened(context.Background(), bus.Panel, bus.PanelOpened{}))
	assert.Equal(t, []int{9}, c.OpenTabs())
}

func TestOpenPanelFromPanelUsesActiveTab(t *testing.T) {
	c, p, _, _ := setup()
	p.active = 4
	require.NoError(t, c.OpenPanel(context.Background(), bus.Panel, bus.OpenPanel{}))
	assert.Equal(t, []int{4}, p.opened)
}

func TestOpenFailureStillTracksTab(t *testing.T) {
	c, p, _, _ := setup()
	p.openErr = errors.New("no user gesture")
	require.NoError(t, c.OpenPanel(context.Background(), bus.Page(5), bus.OpenPanel{}))
	assert.True(t, c.IsOpen(5))
}

func TestActiveTabError(t *testing.T) {
	c, p, _, _ := setup()
	p.activeErr = errors.New("no window")
	assert.Error(t, c.PanelClosed(context.Background(), bus.Panel, bus.PanelClosed{}))
}

func TestForget(t *testing.T) {
	c, _, _, _ := setup()
	require.NoError(t, c.OpenPanel(context.Background(), bus.Page(2), bus.OpenPanel{}))
	c.Forget(2)
	assert.False(t, c.IsOpen(2))
	assert.Empty(t, c.OpenTabs())
}
