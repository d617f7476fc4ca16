// Package bus carries typed messages between the page affordances, the
// background coordinator and the panel. Endpoints never share state; they
// only exchange Messages.
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/vprof/internal/frame"
)

// Wire tags. They match the names used by the browser extension.
const (
	TypeOpenPanelWithContext  = "OPEN_PANEL_WITH_CONTEXT"
	TypeOpenPanel             = "OPEN_SIDE_PANEL"
	TypePanelOpened           = "PANEL_OPENED"
	TypePanelClosed           = "PANEL_CLOSED"
	TypeShowTriggerAffordance = "SHOW_OPEN_BUTTON"
	TypeRectSelected          = "VP_RECT_SELECTED"
	TypeInjectOverlay         = "VP_INJECT_OVERLAY"
)

// ErrUnhandled is returned by Unhandled for every variant.
var ErrUnhandled = errors.New("message not handled by this endpoint")

// Message is the closed set of cross-endpoint messages. Only the types in
// this package implement it.
type Message interface {
	Type() string
	sealed()
}

// OpenPanelWithContext asks the background to open the panel for the
// sending tab and stash the selected text for it.
type OpenPanelWithContext struct {
	Context string
}

// OpenPanel asks the background to open the panel without a payload.
type OpenPanel struct{}

// PanelOpened is sent by the panel when it starts.
type PanelOpened struct{}

// PanelClosed is sent by the panel when it goes away.
type PanelClosed struct{}

// ShowTriggerAffordance re-arms a page's trigger.
type ShowTriggerAffordance struct{}

// RectSelected carries the rectangle chosen in a region overlay.
type RectSelected struct {
	Selection frame.SelectionRect
}

// InjectOverlay asks a page to show the region selector.
type InjectOverlay struct{}

func (OpenPanelWithContext) Type() string  { return TypeOpenPanelWithContext }
func (OpenPanel) Type() string             { return TypeOpenPanel }
func (PanelOpened) Type() string           { return TypePanelOpened }
func (PanelClosed) Type() string           { return TypePanelClosed }
func (ShowTriggerAffordance) Type() string { return TypeShowTriggerAffordance }
func (RectSelected) Type() string          { return TypeRectSelected }
func (InjectOverlay) Type() string         { return TypeInjectOverlay }

func (OpenPanelWithContext) sealed()  {}
func (OpenPanel) sealed()             {}
func (PanelOpened) sealed()           {}
func (PanelClosed) sealed()           {}
func (ShowTriggerAffordance) sealed() {}
func (RectSelected) sealed()          {}
func (InjectOverlay) sealed()         {}

// Role identifies the kind of endpoint.
type Role string

const (
	RolePage       Role = "page"
	RoleBackground Role = "background"
	RolePanel      Role = "panel"
)

// Address names one endpoint. Tab is only meaningful for pages.
type Address struct {
	Role Role
	Tab  int
}

func (a Address) String() string {
	if a.Role == RolePage {
		return fmt.Sprintf("page:%d", a.Tab)
	}
	return string(a.Role)
}

// Page returns the address of the page endpoint for tab.
func Page(tab int) Address { return Address{Role: RolePage, Tab: tab} }

var (
	Background = Address{Role: RoleBackground}
	Panel      = Address{Role: RolePanel}
)

// Envelope is a message together with its sender.
type Envelope struct {
	From Address
	Msg  Message
}

// Handler has one method per message variant.
type Handler interface {
	OpenPanelWithContext(ctx context.Context, from Address, m OpenPanelWithContext) error
	OpenPanel(ctx context.Context, from Address, m OpenPanel) error
	PanelOpened(ctx context.Context, from Address, m PanelOpened) error
	PanelClosed(ctx context.Context, from Address, m PanelClosed) error
	ShowTriggerAffordance(ctx context.Context, from Address, m ShowTriggerAffordance) error
	RectSelected(ctx context.Context, from Address, m RectSelected) error
	InjectOverlay(ctx context.Context, from Address, m InjectOverlay) error
}

// Dispatch calls the Handler method for env's variant.
func Dispatch(ctx context.Context, h Handler, env Envelope) error {
	switch m := env.Msg.(type) {
	case OpenPanelWithContext:
		return h.OpenPanelWithContext(ctx, env.From, m)
	case OpenPanel:
		return h.OpenPanel(ctx, env.From, m)
	case PanelOpened:
		return h.PanelOpened(ctx, env.From, m)
	case PanelClosed:
		return h.PanelClosed(ctx, env.From, m)
	case ShowTriggerAffordance:
		return h.ShowTriggerAffordance(ctx, env.From, m)
	case RectSelected:
		return h.RectSelected(ctx, env.From, m)
	case InjectOverlay:
		return h.InjectOverlay(ctx, env.From, m)
	case nil:
		return errors.New("nil message")
	}
	return fmt.Errorf("unknown message %T", env.Msg)
}

// Unhandled implements Handler by rejecting every variant. Endpoints embed
// it and override the methods they care about.
type Unhandled struct{}

func (Unhandled) OpenPanelWithContext(context.Context, Address, OpenPanelWithContext) error {
	return ErrUnhandled
}
func (Unhandled) OpenPanel(context.Context, Address, OpenPanel) error     { return ErrUnhandled }
func (Unhandled) PanelOpened(context.Context, Address, PanelOpened) error { return ErrUnhandled }
func (Unhandled) PanelClosed(context.Context, Address, PanelClosed) error { return ErrUnhandled }
func (Unhandled) ShowTriggerAffordance(context.Context, Address, ShowTriggerAffordance) error {
	return ErrUnhandled
}
func (Unhandled) RectSelected(context.Context, Address, RectSelected) error { return ErrUnhandled }
func (Unhandled) InjectOverlay(context.Context, Address, InjectOverlay) error {
	return ErrUnhandled
}
