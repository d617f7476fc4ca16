// Package background tracks which tabs have the panel open and performs the
// privileged platform calls on behalf of pages and the panel.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/kalambet/vprof/internal/bus"
)

// Platform is the browser surface the coordinator drives.
type Platform interface {
	OpenPanel(ctx context.Context, tab int) error
	ActiveTab(ctx context.Context) (int, error)
}

// ContextStash keeps the selection text handed over to the next panel.
type ContextStash interface {
	SetLastCapturedContext(text string) error
}

type tabState struct {
	open  bool
	armed bool
}

// Coordinator is the background endpoint. It implements bus.Handler.
type Coordinator struct {
	bus.Unhandled

	platform Platform
	stash    ContextStash
	out      bus.Sender
	logger   *slog.Logger

	mu   sync.Mutex
	tabs map[int]*tabState
}

func New(platform Platform, stash ContextStash, out bus.Sender) *Coordinator {
	return &Coordinator{
		platform: platform,
		stash:    stash,
		out:      out,
		logger:   slog.Default(),
		tabs:     make(map[int]*tabState),
	}
}

func (c *Coordinator) tab(id int) *tabState {
	st, ok := c.tabs[id]
	if !ok {
		// A freshly loaded page shows its trigger on selection.
		st = &tabState{armed: true}
		c.tabs[id] = st
	}
	return st
}

// IsOpen reports whether the panel is open for tab.
func (c *Coordinator) IsOpen(tab int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.tabs[tab]
	return ok && st.open
}

// IsArmed reports whether tab's trigger affordance is armed.
func (c *Coordinator) IsArmed(tab int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.tabs[tab]
	return !ok || st.armed
}

// OpenTabs returns the tabs that currently have the panel open, in order.
func (c *Coordinator) OpenTabs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []int{}
	for id, st := range c.tabs {
		if st.open {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Forget drops all state for a closed tab.
func (c *Coordinator) Forget(tab int) {
	c.mu.Lock()
	delete(c.tabs, tab)
	c.mu.Unlock()
}

func (c *Coordinator) OpenPanelWithContext(ctx context.Context, from bus.Address, m bus.OpenPanelWithContext) error {
	if from.Role != bus.RolePage {
		return fmt.Errorf("open panel with context from %s: not a page", from)
	}
	if err := c.stash.SetLastCapturedContext(m.Context); err != nil {
		return fmt.Errorf("stashing selection: %w", err)
	}
	c.mu.Lock()
	// The page hid its trigger when it sent this.
	c.tab(from.Tab).armed = false
	c.mu.Unlock()
	return c.open(ctx, from.Tab)
}

func (c *Coordinator) OpenPanel(ctx context.Context, from bus.Address, _ bus.OpenPanel) error {
	tab := from.Tab
	if from.Role != bus.RolePage {
		var err error
		if tab, err = c.platform.ActiveTab(ctx); err != nil {
			return fmt.Errorf("resolving active tab: %w", err)
		}
	}
	return c.open(ctx, tab)
}

func (c *Coordinator) open(ctx context.Context, tab int) error {
	if err := c.platform.OpenPanel(ctx, tab); err != nil {
		// The panel may still open through the toolbar action.
		c.logger.Warn("opening panel failed", "tab", tab, "error", err)
	}
	c.mu.Lock()
	c.tab(tab).open = true
	c.mu.Unlock()
	return nil
}

// PanelOpened associates the panel with the active tab; panels have no tab
// of their own.
func (c *Coordinator) PanelOpened(ctx context.Context, from bus.Address, _ bus.PanelOpened) error {
	if from.Role != bus.RolePanel {
		return fmt.Errorf("panel opened from %s: not the panel", from)
	}
	tab, err := c.platform.ActiveTab(ctx)
	if err != nil {
		return fmt.Errorf("resolving active tab: %w", err)
	}
	c.mu.Lock()
	c.tab(tab).open = true
	c.mu.Unlock()
	return nil
}

// PanelClosed marks the active tab closed and re-arms its trigger. Re-arming
// an armed tab sends nothing.
func (c *Coordinator) PanelClosed(ctx context.Context, from bus.Address, _ bus.PanelClosed) error {
	if from.Role != bus.RolePanel {
		return fmt.Errorf("panel closed from %s: not the panel", from)
	}
	tab, err := c.platform.ActiveTab(ctx)
	if err != nil {
		return fmt.Errorf("resolving active tab: %w", err)
	}
	return c.Rearm(ctx, tab)
}

// Rearm closes tab's panel state and shows its trigger again if needed.
func (c *Coordinator) Rearm(ctx context.Context, tab int) error {
	c.mu.Lock()
	st := c.tab(tab)
	st.open = false
	already := st.armed
	st.armed = true
	c.mu.Unlock()

	if already {
		return nil
	}
	if err := c.out.Send(ctx, bus.Page(tab), bus.ShowTriggerAffordance{}); err != nil {
		c.logger.Debug("re-arming trigger failed", "tab", tab, "error", err)
	}
	return nil
}
