// Package contextbuf maintains the rolling, size-capped context text of the
// active chat. Entries are appended as formatted text; the buffer is a
// single string and never a list of records.
package contextbuf

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// DefaultMaxChars bounds the context of a single chat.
const DefaultMaxChars = 20000

const timestampLayout = "3:04:05 PM"

// Format renders one context entry.
func Format(ts time.Time, label, text string) string {
	return fmt.Sprintf("\n\n---\n[%s] %s:\n%s", ts.Format(timestampLayout), label, text)
}

// Truncate keeps the last maxChars characters of s. Characters are Unicode
// code points; a code point is never split.
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	if len(s) <= maxChars {
		return s
	}
	n := utf8.RuneCountInString(s)
	if n <= maxChars {
		return s
	}
	drop := n - maxChars
	for i := range s {
		if drop == 0 {
			return s[i:]
		}
		drop--
	}
	return ""
}

// AppendTo appends a formatted entry to context and applies the front
// truncation. Empty text leaves context untouched.
func AppendTo(context, text, label string, ts time.Time, maxChars int) string {
	if strings.TrimSpace(text) == "" {
		return context
	}
	return Truncate(context+Format(ts, label, text), maxChars)
}

// Store is the part of the session store the buffer writes through.
// Implemented by session.Store.
type Store interface {
	UpdateActiveContext(fn func(id, context string) (string, bool)) (string, bool, error)
}

// Buffer appends entries to the active chat's context. Consecutive appends
// of identical text to the same chat collapse into one entry.
type Buffer struct {
	store    Store
	maxChars int
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]uint64
}

// New creates a Buffer. maxChars <= 0 selects DefaultMaxChars.
func New(store Store, maxChars int) *Buffer {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Buffer{
		store:    store,
		maxChars: maxChars,
		now:      time.Now,
		logger:   slog.Default(),
		last:     make(map[string]uint64),
	}
}

// SetClock overrides the timestamp source (for testing).
func (b *Buffer) SetClock(now func() time.Time) {
	b.now = now
}

// MaxChars reports the configured bound.
func (b *Buffer) MaxChars() int {
	return b.maxChars
}

// Append adds text under label to the active chat, creating a chat if none
// is active. It reports whether an entry was written; empty text and a
// repeat of the previous entry's text are skipped.
func (b *Buffer) Append(text, label string) (bool, error) {
	if strings.TrimSpace(text) == "" {
		return false, nil
	}
	sum := xxhash.Sum64String(text)

	b.mu.Lock()
	defer b.mu.Unlock()

	id, changed, err := b.store.UpdateActiveContext(func(id, context string) (string, bool) {
		if prev, ok := b.last[id]; ok && prev == sum {
			return context, false
		}
		return AppendTo(context, text, label, b.now(), b.maxChars), true
	})
	if err != nil {
		return false, fmt.Errorf("appending context: %w", err)
	}
	if changed {
		b.last[id] = sum
		b.logger.Debug("context appended", "chat", id, "label", label, "chars", utf8.RuneCountInString(text))
	} else {
		b.logger.Debug("duplicate context entry skipped", "chat", id, "label", label)
	}
	return changed, nil
}

// Forget drops the dedup state of a chat, e.g. after its context was
// replaced by hand or the chat was deleted.
func (b *Buffer) Forget(id string) {
	b.mu.Lock()
	delete(b.last, id)
	b.mu.Unlock()
}
