package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kalambet/vprof/internal/media"
)

type wireTrack struct {
	ID   string     `json:"id"`
	Kind media.Kind `json:"kind"`
}

type wireStream struct {
	ID     string      `json:"id"`
	Tracks []wireTrack `json:"tracks"`
}

// remoteTrack is a track living in the peer.
type remoteTrack struct {
	id   string
	kind media.Kind
	b    *Bridge
	once sync.Once
}

func (t *remoteTrack) ID() string       { return t.id }
func (t *remoteTrack) Kind() media.Kind { return t.kind }

// Stop releases the track in the peer. Failures are logged; a disconnected
// peer has already released its tracks.
func (t *remoteTrack) Stop() {
	t.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.b.timeout)
		defer cancel()
		if err := t.b.call(ctx, OpTrackStop, map[string]string{"track": t.id}, nil, true); err != nil {
			t.b.logger.Debug("stopping remote track", "track", t.id, "error", err)
		}
	})
}

func (b *Bridge) stream(ws wireStream) *media.Stream {
	s := &media.Stream{ID: ws.ID}
	for _, wt := range ws.Tracks {
		s.Tracks = append(s.Tracks, &remoteTrack{id: wt.ID, kind: wt.Kind, b: b})
	}
	return s
}

func trackIDs(ts []media.Track) []string {
	ids := make([]string, len(ts))
	for i, t := range ts {
		ids[i] = t.ID()
	}
	return ids
}

func (b *Bridge) acquire(ctx context.Context, op string, params any) (*media.Stream, error) {
	var res struct {
		Stream wireStream `json:"stream"`
	}
	if err := b.call(ctx, op, params, &res, false); err != nil {
		return nil, err
	}
	if len(res.Stream.Tracks) == 0 {
		return nil, fmt.Errorf("%s: no tracks: %w", op, media.ErrCaptureUnavailable)
	}
	return b.stream(res.Stream), nil
}

// TabCapture is the privileged per-tab capture strategy.
func (b *Bridge) TabCapture() media.Acquirer {
	return media.AcquirerFunc{Label: "tab_capture", Fn: func(ctx context.Context) (*media.Stream, error) {
		tab, err := b.ActiveTab(ctx)
		if err != nil {
			return nil, err
		}
		return b.acquire(ctx, OpTabCapture, tabParams{Tab: tab})
	}}
}

// DisplayPicker is the user-mediated tab/window/screen picker strategy.
func (b *Bridge) DisplayPicker() media.Acquirer {
	return media.AcquirerFunc{Label: "display_picker", Fn: func(ctx context.Context) (*media.Stream, error) {
		return b.acquire(ctx, OpDisplayPick, map[string]bool{"audio": true, "video": true})
	}}
}

// Microphone opens the user's microphone in the peer.
func (b *Bridge) Microphone() media.Microphone { return microphone{b} }

type microphone struct{ b *Bridge }

func (m microphone) Open(ctx context.Context) (*media.Stream, error) {
	return m.b.acquire(ctx, OpMicOpen, nil)
}

// Mix combines audio tracks into one track in the peer.
func (b *Bridge) Mix(ctx context.Context, tracks ...media.Track) (media.Track, error) {
	var res struct {
		Track wireTrack `json:"track"`
	}
	if err := b.call(ctx, OpAudioMix, map[string][]string{"tracks": trackIDs(tracks)}, &res, true); err != nil {
		return nil, err
	}
	if res.Track.ID == "" {
		return nil, fmt.Errorf("%s: no track returned", OpAudioMix)
	}
	return &remoteTrack{id: res.Track.ID, kind: media.Audio, b: b}, nil
}

// Snapshot grabs the current video frame of s as PNG.
func (b *Bridge) Snapshot(ctx context.Context, s *media.Stream) ([]byte, error) {
	var res pngResult
	params := map[string][]string{"tracks": trackIDs(s.Video())}
	if err := b.call(ctx, OpStreamSnapshot, params, &res, true); err != nil {
		return nil, err
	}
	return res.PNG, nil
}

type recorderStart struct {
	Tracks  []string `json:"tracks"`
	SliceMS int64    `json:"sliceMs"`
}

type chunkEvent struct {
	Recording string `json:"recording"`
	Data      []byte `json:"data"`
	Final     bool   `json:"final"`
}

// recording receives chunk events for one remote recorder.
type recording struct {
	id   string
	mime string
	b    *Bridge

	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// chunkBuffer bounds slices queued between the reader and the consumer.
const chunkBuffer = 64

// Start begins recording s in the peer.
func (b *Bridge) Start(ctx context.Context, s *media.Stream, slice time.Duration) (media.Recording, error) {
	var res struct {
		Recording string `json:"recording"`
		MimeType  string `json:"mimeType"`
	}
	params := recorderStart{Tracks: trackIDs(s.Tracks), SliceMS: slice.Milliseconds()}
	if err := b.call(ctx, OpRecorderStart, params, &res, true); err != nil {
		return nil, err
	}
	if res.Recording == "" {
		return nil, fmt.Errorf("%s: no recording id", OpRecorderStart)
	}
	r := &recording{id: res.Recording, mime: res.MimeType, b: b, ch: make(chan []byte, chunkBuffer)}

	b.mu.Lock()
	b.recordings[r.id] = r
	b.mu.Unlock()
	return r, nil
}

func (r *recording) MimeType() string       { return r.mime }
func (r *recording) Chunks() <-chan []byte { return r.ch }

// Stop asks the peer to stop; the final chunk event closes Chunks.
func (r *recording) Stop(ctx context.Context) error {
	return r.b.call(ctx, OpRecorderStop, map[string]string{"recording": r.id}, nil, true)
}

func (r *recording) push(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(data) == 0 {
		return
	}
	select {
	case r.ch <- data:
	default:
		r.b.logger.Warn("recorder chunk dropped, consumer too slow", "recording", r.id)
	}
}

func (r *recording) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
}

func (b *Bridge) handleEvent(in inbound) {
	switch in.Event {
	case EventRecorderChunk:
		b.handleChunk(in)
	case EventTabRemoved:
		b.handleTabRemoved(in)
	default:
		b.logger.Debug("unknown peer event", "event", in.Event)
	}
}

func (b *Bridge) handleTabRemoved(in inbound) {
	var ev tabParams
	if err := json.Unmarshal(in.Params, &ev); err != nil {
		b.logger.Warn("malformed tab event", "error", err)
		return
	}
	b.mu.Lock()
	fn := b.tabRemoved
	b.mu.Unlock()
	if fn != nil {
		fn(ev.Tab)
	}
}

func (b *Bridge) handleChunk(in inbound) {
	var ev chunkEvent
	if err := json.Unmarshal(in.Params, &ev); err != nil {
		b.logger.Warn("malformed chunk event", "error", err)
		return
	}
	b.mu.Lock()
	r, ok := b.recordings[ev.Recording]
	if ok && ev.Final {
		delete(b.recordings, ev.Recording)
	}
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("chunk for unknown recording", "recording", ev.Recording)
		return
	}
	r.push(ev.Data)
	if ev.Final {
		r.finish()
	}
}
