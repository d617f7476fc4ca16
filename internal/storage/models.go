package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Keys of the kv table.
const (
	KeyActiveID            = "activeId"
	KeyLastCapturedContext = "lastCapturedContext"
	KeyDiscoveredBaseURL   = "discoveredBaseUrl"
)

type Chat struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Context   string
	Messages  []Message

	// AttachContext controls whether Context is sent along with questions.
	AttachContext bool
}

type Message struct {
	Seq       int
	Role      string
	Content   string
	CreatedAt time.Time
}
