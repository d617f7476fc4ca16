// Package panel is the panel endpoint: it owns the chat conversation, pulls
// in the selection handed over by a page, and forwards region selections
// to the capture coordinator.
package panel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kalambet/vprof/internal/bus"
	"github.com/kalambet/vprof/internal/frame"
	"github.com/kalambet/vprof/internal/services"
	"github.com/kalambet/vprof/internal/session"
)

// LabelSelection labels text selected on a page before the panel opened.
const LabelSelection = "[Selection]"

// ErrEmptyQuestion is returned by Ask for a blank question.
var ErrEmptyQuestion = errors.New("question is empty")

// Store is the subset of the session store the panel uses.
type Store interface {
	EnsureActive() (session.Chat, error)
	AppendMessage(id string, role session.Role, content string) (session.Message, error)
	TakeLastCapturedContext() (string, bool, error)
}

// Answerer is the answer endpoint.
type Answerer interface {
	Ask(ctx context.Context, prompt, chatContext string) services.Result
}

// Appender appends to the active chat's context.
type Appender interface {
	Append(text, label string) (bool, error)
}

// Selections receives region selections chosen on a page.
type Selections interface {
	DeliverSelection(tab int, sel frame.SelectionRect) bool
}

// Exchange is one question and its answer.
type Exchange struct {
	ChatID   string          `json:"chatId"`
	Question session.Message `json:"question"`
	Answer   session.Message `json:"answer"`
}

// Panel implements bus.Handler for the panel endpoint.
type Panel struct {
	bus.Unhandled

	store      Store
	answers    Answerer
	entries    Appender
	selections Selections
	out        bus.Sender
	logger     *slog.Logger

	mu   sync.Mutex
	open bool
}

func New(store Store, answers Answerer, buf Appender, selections Selections, out bus.Sender) *Panel {
	return &Panel{
		store:      store,
		answers:    answers,
		entries:    buf,
		selections: selections,
		out:        out,
		logger:     slog.Default(),
	}
}

// IsOpen reports whether the panel UI is showing.
func (p *Panel) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Open announces the panel to the background and appends any selection a
// page stashed for it.
func (p *Panel) Open(ctx context.Context) error {
	p.mu.Lock()
	p.open = true
	p.mu.Unlock()

	if err := p.out.Send(ctx, bus.Background, bus.PanelOpened{}); err != nil {
		p.logger.Warn("announcing panel failed", "error", err)
	}

	text, ok, err := p.store.TakeLastCapturedContext()
	if err != nil {
		return fmt.Errorf("reading stashed selection: %w", err)
	}
	if ok && text != "" {
		if _, err := p.entries.Append(text, LabelSelection); err != nil {
			return fmt.Errorf("appending selection: %w", err)
		}
	}
	return nil
}

// Close tells the background the panel went away so the page trigger is
// re-armed.
func (p *Panel) Close(ctx context.Context) error {
	p.mu.Lock()
	was := p.open
	p.open = false
	p.mu.Unlock()
	if !was {
		return nil
	}
	return p.out.Send(ctx, bus.Background, bus.PanelClosed{})
}

// Ask records question in the active chat, sends it to the answer endpoint
// with the chat's context when the chat attaches it, and records the
// answer. A failed call is recorded as an "Error: ..." reply.
func (p *Panel) Ask(ctx context.Context, question string) (Exchange, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Exchange{}, ErrEmptyQuestion
	}
	chat, err := p.store.EnsureActive()
	if err != nil {
		return Exchange{}, err
	}
	q, err := p.store.AppendMessage(chat.ID, session.RoleUser, question)
	if err != nil {
		return Exchange{}, err
	}

	var chatContext string
	if chat.AttachContext {
		chatContext = strings.TrimSpace(chat.Context)
	}
	res := p.answers.Ask(ctx, question, chatContext)

	reply := res.Text
	switch {
	case !res.OK():
		p.logger.Warn("answer request failed", "chat", chat.ID, "error", res.Err)
		reply = "Error: " + res.Err.Message
	case reply == "":
		reply = "(no response)"
	}
	a, err := p.store.AppendMessage(chat.ID, session.RoleAssistant, reply)
	if err != nil {
		return Exchange{}, err
	}
	return Exchange{ChatID: chat.ID, Question: q, Answer: a}, nil
}

func (p *Panel) RectSelected(ctx context.Context, from bus.Address, m bus.RectSelected) error {
	if from.Role != bus.RolePage {
		return fmt.Errorf("rect selected from %s: not a page", from)
	}
	p.selections.DeliverSelection(from.Tab, m.Selection)
	return nil
}
