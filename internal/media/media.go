// Package media abstracts the platform capture primitives (tab and display
// capture, microphone, audio mixing, recording, frame snapshots) that the
// recording pipeline drives. Implementations live behind the browser bridge.
package media

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrPermissionDenied means a capture, microphone, or page permission
	// was refused.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrCaptureUnavailable means a capture mechanism cannot be used on the
	// current page.
	ErrCaptureUnavailable = errors.New("capture unavailable")
	// ErrUserCancelled means the user dismissed a picker.
	ErrUserCancelled = errors.New("user cancelled")
)

type Kind string

const (
	Audio Kind = "audio"
	Video Kind = "video"
)

// Track is one live media track. Stop must be safe to call more than once.
type Track interface {
	ID() string
	Kind() Kind
	Stop()
}

// Stream groups the tracks produced by one acquisition.
type Stream struct {
	ID     string
	Tracks []Track
}

func (s *Stream) byKind(k Kind) []Track {
	if s == nil {
		return nil
	}
	var out []Track
	for _, t := range s.Tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

func (s *Stream) Audio() []Track { return s.byKind(Audio) }
func (s *Stream) Video() []Track { return s.byKind(Video) }

// Acquirer is one strategy for obtaining the primary capture stream.
type Acquirer interface {
	Name() string
	Acquire(ctx context.Context) (*Stream, error)
}

// Microphone opens the user's microphone.
type Microphone interface {
	Open(ctx context.Context) (*Stream, error)
}

// Mixer combines audio tracks into a single track.
type Mixer interface {
	Mix(ctx context.Context, tracks ...Track) (Track, error)
}

// FrameGrabber snapshots the current video frame of a stream as PNG.
type FrameGrabber interface {
	Snapshot(ctx context.Context, s *Stream) ([]byte, error)
}

// Recorder starts encoding a stream in fixed time slices.
type Recorder interface {
	Start(ctx context.Context, s *Stream, slice time.Duration) (Recording, error)
}

// Recording is a running recorder. Chunks delivers each slice and is closed
// after the final flush that follows Stop.
type Recording interface {
	MimeType() string
	Chunks() <-chan []byte
	Stop(ctx context.Context) error
}

// Compose builds the stream handed to the recorder: video tracks come
// unmodified from primary; primary and microphone audio are mixed when both
// exist, a single audio source is used as is, and no audio yields a
// video-only stream. A nil mixer with two audio sources keeps primary audio.
func Compose(ctx context.Context, primary, mic *Stream, mixer Mixer) (*Stream, error) {
	out := &Stream{ID: primary.ID}
	out.Tracks = append(out.Tracks, primary.Video()...)

	pa, ma := primary.Audio(), mic.Audio()
	switch {
	case len(pa) > 0 && len(ma) > 0 && mixer != nil:
		mixed, err := mixer.Mix(ctx, append(append([]Track{}, pa...), ma...)...)
		if err != nil {
			return nil, err
		}
		out.Tracks = append(out.Tracks, mixed)
	case len(pa) > 0:
		out.Tracks = append(out.Tracks, pa...)
	case len(ma) > 0:
		out.Tracks = append(out.Tracks, ma...)
	}
	return out, nil
}

// TrackSet owns every track acquired during a session so a single call can
// release them all.
type TrackSet struct {
	mu     sync.Mutex
	tracks []Track
	seen   map[string]bool
}

// Add registers the tracks of each stream. Nil streams are ignored.
func (ts *TrackSet) Add(streams ...*Stream) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.seen == nil {
		ts.seen = make(map[string]bool)
	}
	for _, s := range streams {
		if s == nil {
			continue
		}
		for _, t := range s.Tracks {
			if !ts.seen[t.ID()] {
				ts.seen[t.ID()] = true
				ts.tracks = append(ts.tracks, t)
			}
		}
	}
}

// StopAll stops every registered track and empties the set. It returns the
// number of tracks stopped.
func (ts *TrackSet) StopAll() int {
	ts.mu.Lock()
	tracks := ts.tracks
	ts.tracks = nil
	ts.seen = nil
	ts.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
	return len(tracks)
}

func (ts *TrackSet) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tracks)
}
