package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/vprof/internal/storage"
)

// ErrNotFound is returned when a chat ID does not exist.
var ErrNotFound = errors.New("chat not found")

const (
	defaultTitle = "New chat"
	untitled     = "Untitled"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Chat is one persisted conversation and its rolling context.
type Chat struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Messages      []Message `json:"messages"`
	Context       string    `json:"context"`
	AttachContext bool      `json:"attachContext"`
}

// Backend defines the durable operations the Store needs.
// Implemented by storage.Store.
type Backend interface {
	ListChats() ([]storage.Chat, error)
	CreateChat(c storage.Chat) error
	UpdateChat(c storage.Chat) error
	DeleteChat(id, nextActiveID string) error
	AppendMessage(chatID string, m storage.Message, updatedAt time.Time) error
	GetState(key string) (string, error)
	SetState(key, value string) error
	DeleteState(key string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store is the in-memory view of all chats, written through to the backend
// on every mutation. The write completes before the mutating call returns.
type Store struct {
	backend Backend
	clock   Clock
	logger  *slog.Logger

	mu       sync.Mutex
	chats    []*Chat
	activeID string
}

// Open loads every chat and the active pointer from the backend.
func Open(b Backend) (*Store, error) {
	return OpenWithClock(b, realClock{})
}

// OpenWithClock is Open with a custom clock (for testing).
func OpenWithClock(b Backend, clock Clock) (*Store, error) {
	s := &Store{backend: b, clock: clock, logger: slog.Default()}

	rows, err := b.ListChats()
	if err != nil {
		return nil, fmt.Errorf("loading chats: %w", err)
	}
	for _, r := range rows {
		s.chats = append(s.chats, fromRow(r))
	}
	s.sortLocked()

	active, err := b.GetState(storage.KeyActiveID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("loading active chat: %w", err)
	default:
		if s.findLocked(active) != nil {
			s.activeID = active
		} else if len(s.chats) > 0 {
			s.activeID = s.chats[0].ID
		}
	}
	return s, nil
}

// Create prepends a new chat and makes it active.
func (s *Store) Create(title string) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.createLocked(title)
	if err != nil {
		return Chat{}, err
	}
	return c.clone(), nil
}

func (s *Store) createLocked(title string) (*Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultTitle
	}
	now := s.clock.Now()
	c := &Chat{
		ID:            uuid.New().String(),
		Title:         title,
		CreatedAt:     now,
		UpdatedAt:     now,
		AttachContext: true,
	}
	if err := s.backend.CreateChat(toRow(c)); err != nil {
		return nil, fmt.Errorf("creating chat: %w", err)
	}
	s.chats = append([]*Chat{c}, s.chats...)
	s.activeID = c.ID
	return c, nil
}

// Rename sets a chat's title. A blank title becomes "Untitled".
func (s *Store) Rename(id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		title = untitled
	}
	return s.mutate(id, func(c *Chat) { c.Title = title })
}

// SetAttachContext toggles whether a chat's context is sent with questions.
func (s *Store) SetAttachContext(id string, attach bool) error {
	return s.mutate(id, func(c *Chat) { c.AttachContext = attach })
}

// Delete removes a chat. If it was active, the most recently updated
// remaining chat becomes active, or no chat when none remain.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, c := range s.chats {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}

	next := s.activeID
	if next == id {
		next = ""
		if best := s.mostRecentLocked(id); best != nil {
			next = best.ID
		}
	}

	if err := s.backend.DeleteChat(id, next); err != nil {
		return fmt.Errorf("deleting chat: %w", err)
	}
	s.chats = append(s.chats[:idx], s.chats[idx+1:]...)
	s.activeID = next
	s.logger.Debug("chat deleted", "id", id, "active", next)
	return nil
}

// List returns all chats ordered by UpdatedAt, newest first.
func (s *Store) List() []Chat {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := make([]*Chat, len(s.chats))
	copy(sorted, s.chats)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
	})
	out := make([]Chat, len(sorted))
	for i, c := range sorted {
		out[i] = c.clone()
	}
	return out
}

func (s *Store) Get(id string) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findLocked(id)
	if c == nil {
		return Chat{}, ErrNotFound
	}
	return c.clone(), nil
}

// Active returns the active chat, if any.
func (s *Store) Active() (Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findLocked(s.activeID)
	if c == nil {
		return Chat{}, false
	}
	return c.clone(), true
}

// Activate makes id the active chat.
func (s *Store) Activate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findLocked(id) == nil {
		return ErrNotFound
	}
	if err := s.backend.SetState(storage.KeyActiveID, id); err != nil {
		return fmt.Errorf("activating chat: %w", err)
	}
	s.activeID = id
	return nil
}

// EnsureActive returns the active chat, creating one when there is none.
func (s *Store) EnsureActive() (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ensureActiveLocked()
	if err != nil {
		return Chat{}, err
	}
	return c.clone(), nil
}

func (s *Store) ensureActiveLocked() (*Chat, error) {
	if c := s.findLocked(s.activeID); c != nil {
		return c, nil
	}
	if c := s.mostRecentLocked(""); c != nil {
		if err := s.backend.SetState(storage.KeyActiveID, c.ID); err != nil {
			return nil, fmt.Errorf("activating chat: %w", err)
		}
		s.activeID = c.ID
		return c, nil
	}
	return s.createLocked("")
}

// AppendMessage adds a message to the end of a chat's history.
func (s *Store) AppendMessage(id string, role Role, content string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.findLocked(id)
	if c == nil {
		return Message{}, ErrNotFound
	}
	now := s.clock.Now()
	m := Message{Role: role, Content: content, Timestamp: now}
	row := storage.Message{Seq: len(c.Messages), Role: string(role), Content: content, CreatedAt: now}
	if err := s.backend.AppendMessage(id, row, now); err != nil {
		return Message{}, fmt.Errorf("appending message: %w", err)
	}
	c.Messages = append(c.Messages, m)
	c.UpdatedAt = now
	return m, nil
}

// SetContext replaces a chat's context wholesale (manual edits).
func (s *Store) SetContext(id, text string) error {
	return s.mutate(id, func(c *Chat) { c.Context = text })
}

// UpdateContext applies fn to a chat's context under the store lock and
// persists the result. Returns the new context.
func (s *Store) UpdateContext(id string, fn func(string) string) (string, error) {
	var out string
	err := s.mutate(id, func(c *Chat) {
		c.Context = fn(c.Context)
		out = c.Context
	})
	return out, err
}

// UpdateActiveContext runs fn on the active chat's context, creating a chat
// if none is active. fn reports whether it changed anything; unchanged
// contexts are not written. Returns the ID of the chat fn ran against.
func (s *Store) UpdateActiveContext(fn func(id, context string) (string, bool)) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.ensureActiveLocked()
	if err != nil {
		return "", false, err
	}
	next, changed := fn(c.ID, c.Context)
	if !changed {
		return c.ID, false, nil
	}
	if err := s.applyLocked(c, func(c *Chat) { c.Context = next }); err != nil {
		return "", false, err
	}
	return c.ID, true, nil
}

func (s *Store) mutate(id string, fn func(*Chat)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findLocked(id)
	if c == nil {
		return ErrNotFound
	}
	return s.applyLocked(c, fn)
}

// applyLocked runs fn on a copy, persists it, and only then swaps it in.
func (s *Store) applyLocked(c *Chat, fn func(*Chat)) error {
	next := *c
	fn(&next)
	next.UpdatedAt = s.clock.Now()
	if err := s.backend.UpdateChat(toRow(&next)); err != nil {
		return fmt.Errorf("updating chat: %w", err)
	}
	*c = next
	return nil
}

// --- Durable slots ---

// SetLastCapturedContext stores page-selected text for the next panel start.
func (s *Store) SetLastCapturedContext(text string) error {
	return s.backend.SetState(storage.KeyLastCapturedContext, text)
}

// TakeLastCapturedContext returns and clears the pending selection text.
func (s *Store) TakeLastCapturedContext() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.backend.GetState(storage.KeyLastCapturedContext)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if err := s.backend.DeleteState(storage.KeyLastCapturedContext); err != nil {
		return "", false, err
	}
	return v, v != "", nil
}

// DiscoveredBaseURL returns the last services base URL that answered, or "".
func (s *Store) DiscoveredBaseURL() string {
	v, err := s.backend.GetState(storage.KeyDiscoveredBaseURL)
	if err != nil {
		return ""
	}
	return v
}

func (s *Store) SetDiscoveredBaseURL(u string) error {
	return s.backend.SetState(storage.KeyDiscoveredBaseURL, u)
}

func (s *Store) findLocked(id string) *Chat {
	if id == "" {
		return nil
	}
	for _, c := range s.chats {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// mostRecentLocked returns the most recently updated chat other than skip.
func (s *Store) mostRecentLocked(skip string) *Chat {
	var best *Chat
	for _, c := range s.chats {
		if c.ID == skip {
			continue
		}
		if best == nil || c.UpdatedAt.After(best.UpdatedAt) {
			best = c
		}
	}
	return best
}

func (s *Store) sortLocked() {
	sort.SliceStable(s.chats, func(i, j int) bool {
		return s.chats[i].UpdatedAt.After(s.chats[j].UpdatedAt)
	})
}

func (c *Chat) clone() Chat {
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	return out
}

func fromRow(r storage.Chat) *Chat {
	c := &Chat{
		ID:            r.ID,
		Title:         r.Title,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		Context:       r.Context,
		AttachContext: r.AttachContext,
	}
	for _, m := range r.Messages {
		c.Messages = append(c.Messages, Message{Role: Role(m.Role), Content: m.Content, Timestamp: m.CreatedAt})
	}
	return c
}

func toRow(c *Chat) storage.Chat {
	return storage.Chat{
		ID:            c.ID,
		Title:         c.Title,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		Context:       c.Context,
		AttachContext: c.AttachContext,
	}
}
