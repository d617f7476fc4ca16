// Package mediatest provides in-memory media fakes that count live tracks.
package mediatest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/vprof/internal/media"
)

// Tracker hands out tracks and counts how many are still live.
type Tracker struct {
	mu   sync.Mutex
	next int
	live map[string]bool
}

func NewTracker() *Tracker {
	return &Tracker{live: make(map[string]bool)}
}

// NewTrack returns a live track of kind k.
func (tr *Tracker) NewTrack(k media.Kind) *Track {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.next++
	id := fmt.Sprintf("%s-%d", k, tr.next)
	tr.live[id] = true
	return &Track{id: id, kind: k, tracker: tr}
}

// Stream returns a stream with one live track per kind given.
func (tr *Tracker) Stream(kinds ...media.Kind) *media.Stream {
	s := &media.Stream{ID: fmt.Sprintf("stream-%d", len(kinds))}
	for _, k := range kinds {
		s.Tracks = append(s.Tracks, tr.NewTrack(k))
	}
	return s
}

// Live returns the number of tracks not yet stopped.
func (tr *Tracker) Live() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.live)
}

type Track struct {
	id      string
	kind    media.Kind
	tracker *Tracker
}

func (t *Track) ID() string       { return t.id }
func (t *Track) Kind() media.Kind { return t.kind }

func (t *Track) Stop() {
	t.tracker.mu.Lock()
	delete(t.tracker.live, t.id)
	t.tracker.mu.Unlock()
}

// Acquirer returns Stream, or Err when set.
type Acquirer struct {
	Label  string
	Stream *media.Stream
	Err    error
	Calls  atomic.Int32
}

func (a *Acquirer) Name() string { return a.Label }

func (a *Acquirer) Acquire(ctx context.Context) (*media.Stream, error) {
	a.Calls.Add(1)
	if a.Err != nil {
		return nil, a.Err
	}
	return a.Stream, nil
}

type Microphone struct {
	Stream *media.Stream
	Err    error
}

func (m *Microphone) Open(ctx context.Context) (*media.Stream, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Stream, nil
}

// Mixer returns a fresh live audio track for every call.
type Mixer struct {
	Tracker *Tracker
	Err     error

	mu     sync.Mutex
	Inputs [][]media.Track
}

func (m *Mixer) Mix(ctx context.Context, tracks ...media.Track) (media.Track, error) {
	m.mu.Lock()
	m.Inputs = append(m.Inputs, tracks)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Tracker.NewTrack(media.Audio), nil
}

// Grabber returns Frame for every snapshot.
type Grabber struct {
	Frame []byte
	Err   error
	Calls atomic.Int32
}

func (g *Grabber) Snapshot(ctx context.Context, s *media.Stream) ([]byte, error) {
	g.Calls.Add(1)
	if g.Err != nil {
		return nil, g.Err
	}
	return g.Frame, nil
}

// Recorder emits Chunks right after Start and Final after Stop.
type Recorder struct {
	Mime     string
	Chunks   [][]byte
	Final    []byte
	StartErr error

	mu     sync.Mutex
	Slices []time.Duration
	last   *Recording
}

// Last returns the most recently started recording.
func (r *Recorder) Last() *Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Recorder) Start(ctx context.Context, s *media.Stream, slice time.Duration) (media.Recording, error) {
	if r.StartErr != nil {
		return nil, r.StartErr
	}
	rec := &Recording{
		mime:  r.Mime,
		ch:    make(chan []byte, len(r.Chunks)+1),
		final: r.Final,
	}
	for _, c := range r.Chunks {
		rec.ch <- c
	}

	r.mu.Lock()
	r.Slices = append(r.Slices, slice)
	r.last = rec
	r.mu.Unlock()
	return rec, nil
}

type Recording struct {
	mime    string
	ch      chan []byte
	final   []byte
	once    sync.Once
	stopped atomic.Bool
}

func (r *Recording) MimeType() string       { return r.mime }
func (r *Recording) Chunks() <-chan []byte { return r.ch }

// Stopped reports whether Stop was called.
func (r *Recording) Stopped() bool { return r.stopped.Load() }

func (r *Recording) Stop(ctx context.Context) error {
	r.stopped.Store(true)
	r.End()
	return nil
}

// End flushes the final slice and closes Chunks without a Stop call, as a
// recorder does when its source goes away.
func (r *Recording) End() {
	r.once.Do(func() {
		if len(r.final) > 0 {
			r.ch <- r.final
		}
		close(r.ch)
	})
}
