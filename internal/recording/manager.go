// Package recording runs continuous tab or screen capture: periodic OCR
// sampling of the video, chunked recording, and a final transcription.
package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/vprof/internal/frame"
	"github.com/kalambet/vprof/internal/media"
	"github.com/kalambet/vprof/internal/services"
)

var (
	// ErrBusy is returned by Start while a session is already running.
	ErrBusy = errors.New("recording already in progress")
	// ErrNotRecording is returned by Stop when nothing is recording.
	ErrNotRecording = errors.New("not recording")
)

// Context labels.
const (
	LabelTranscript = "[Video transcript]"
)

func sampleLabel(sec int) string      { return fmt.Sprintf("[Video OCR @ %ds]", sec) }
func sampleErrorLabel(sec int) string { return fmt.Sprintf("[Video OCR error @ %ds]", sec) }

type State int

const (
	NotRecording State = iota
	Starting
	Recording
	Stopping
)

func (s State) String() string {
	switch s {
	case NotRecording:
		return "not_recording"
	case Starting:
		return "starting"
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

// OCR recognizes text in an image.
type OCR interface {
	OCR(ctx context.Context, img services.File, prompt string) services.Result
}

// Transcriber turns recorded media into text.
type Transcriber interface {
	Transcribe(ctx context.Context, media services.File) services.Result
}

// Appender receives context entries. Implemented by contextbuf.Buffer.
type Appender interface {
	Append(text, label string) (bool, error)
}

// ArtifactSink is offered every non-empty recording, independent of the
// transcription outcome.
type ArtifactSink interface {
	Save(ctx context.Context, a Artifact) (string, error)
}

// Artifact is the concatenated output of one recording session.
type Artifact struct {
	Data     []byte
	MimeType string
	Name     string
}

// Deps are the collaborators of a Manager. Microphone, Mixer and Sink are
// optional.
type Deps struct {
	Acquire     media.Chain
	Microphone  media.Microphone
	Mixer       media.Mixer
	Recorder    media.Recorder
	Frames      media.FrameGrabber
	OCR         OCR
	Transcriber Transcriber
	Context     Appender
	Sink        ArtifactSink
}

type Options struct {
	SampleInterval time.Duration
	ChunkInterval  time.Duration
}

// Summary describes a finished session.
type Summary struct {
	Strategy   string
	Artifact   Artifact
	Transcript string
	SavedTo    string
	Err        error
}

// Manager owns at most one recording session and every media track it
// acquires.
type Manager struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	state State
	run   *run
}

func New(deps Deps, opts Options) *Manager {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 2 * time.Second
	}
	if opts.ChunkInterval <= 0 {
		opts.ChunkInterval = time.Second
	}
	return &Manager{
		deps:   deps,
		opts:   opts,
		logger: slog.Default(),
		now:    time.Now,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// run is the state of one session.
type run struct {
	strategy  string
	stream    *media.Stream
	rec       media.Recording
	tracks    media.TrackSet
	startedAt time.Time

	cancel  context.CancelFunc
	sampler *errgroup.Group
	flushed chan struct{}

	chunksMu sync.Mutex
	chunks   [][]byte

	sampleMu    sync.Mutex
	nextSeq     int64
	acceptedSeq int64
	lastHash    uint64
	hasHash     bool
	lastErrHash uint64
	hasErrHash  bool

	stopOnce sync.Once
}

// Start acquires the primary stream through the fallback chain, optionally
// adds the microphone, and starts the recorder and the OCR sampler.
//
// When the user cancels the picker the manager returns to NotRecording and
// the returned error matches media.ErrUserCancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != NotRecording {
		m.mu.Unlock()
		return ErrBusy
	}
	m.state = Starting
	m.mu.Unlock()

	r, err := m.begin(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = NotRecording
		return err
	}
	m.run = r
	m.state = Recording
	m.logger.Info("recording started", "strategy", r.strategy, "tracks", r.tracks.Len())
	return nil
}

func (m *Manager) begin(ctx context.Context) (_ *run, err error) {
	r := &run{flushed: make(chan struct{}), acceptedSeq: -1}
	defer func() {
		if err != nil {
			if n := r.tracks.StopAll(); n > 0 {
				m.logger.Debug("released tracks after failed start", "count", n)
			}
		}
	}()

	primary, strategy, err := m.deps.Acquire.Acquire(ctx)
	if err != nil {
		if errors.Is(err, media.ErrUserCancelled) {
			m.logger.Info("capture picker cancelled")
		} else {
			m.logger.Warn("capture acquisition failed", "error", err)
		}
		return nil, err
	}
	r.strategy = strategy
	r.tracks.Add(primary)

	var mic *media.Stream
	if m.deps.Microphone != nil {
		mic, err = m.deps.Microphone.Open(ctx)
		if err != nil {
			m.logger.Warn("microphone unavailable, continuing without it", "error", err)
			mic, err = nil, nil
		} else {
			r.tracks.Add(mic)
		}
	}

	stream, err := media.Compose(ctx, primary, mic, m.deps.Mixer)
	if err != nil {
		m.logger.Warn("audio mixing failed, using primary audio", "error", err)
		stream, err = media.Compose(ctx, primary, nil, nil)
		if err != nil {
			return nil, err
		}
	}
	r.tracks.Add(stream)
	r.stream = stream

	rec, err := m.deps.Recorder.Start(ctx, stream, m.opts.ChunkInterval)
	if err != nil {
		return nil, fmt.Errorf("starting recorder: %w", err)
	}
	r.rec = rec
	r.startedAt = m.now()

	go m.collect(r)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.sampler = new(errgroup.Group)
	r.sampler.Go(func() error {
		m.sample(runCtx, r)
		return nil
	})
	return r, nil
}

// collect accumulates recorder slices until the recorder's final flush.
// A recorder that ends on its own (e.g. the user stopped sharing) finishes
// the session as if Stop had been called.
func (m *Manager) collect(r *run) {
	for chunk := range r.rec.Chunks() {
		if len(chunk) == 0 {
			continue
		}
		r.chunksMu.Lock()
		r.chunks = append(r.chunks, chunk)
		r.chunksMu.Unlock()
	}
	close(r.flushed)

	m.mu.Lock()
	unexpected := m.run == r && m.state == Recording
	m.mu.Unlock()
	if unexpected {
		m.logger.Warn("recorder ended before stop was requested")
		go func() {
			if _, err := m.Stop(context.Background()); err != nil && !errors.Is(err, ErrNotRecording) {
				m.logger.Error("finishing recording", "error", err)
			}
		}()
	}
}

// sample ticks every SampleInterval. At most one OCR request is in flight;
// a tick that finds one still running is skipped.
func (m *Manager) sample(ctx context.Context, r *run) {
	ticker := time.NewTicker(m.opts.SampleInterval)
	defer ticker.Stop()

	inflight := new(errgroup.Group)
	inflight.SetLimit(1)
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.sampleMu.Lock()
			seq := r.nextSeq
			r.nextSeq++
			r.sampleMu.Unlock()
			sec := int(now.Sub(r.startedAt).Round(time.Second) / time.Second)

			if !inflight.TryGo(func() error {
				m.sampleOnce(ctx, r, seq, sec)
				return nil
			}) {
				m.logger.Debug("OCR sample skipped, previous still running", "at", sec)
			}
		}
	}
}

func (m *Manager) sampleOnce(ctx context.Context, r *run, seq int64, sec int) {
	if ctx.Err() != nil {
		return
	}
	png, err := m.deps.Frames.Snapshot(ctx, r.stream)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Debug("frame snapshot failed", "error", err)
		}
		return
	}
	img, err := frame.Crop(png, frame.Full)
	if err != nil {
		m.logger.Debug("frame decode failed", "error", err)
		return
	}
	if ctx.Err() != nil {
		return
	}
	res := m.deps.OCR.OCR(ctx, services.File{Name: "frame.png", MimeType: "image/png", Data: img}, services.PromptFrame)
	if ctx.Err() != nil {
		return
	}
	m.accept(r, seq, sec, res)
}

// accept applies one OCR result. Results older than the last accepted
// sample are dropped; unchanged text and repeated errors are skipped.
func (m *Manager) accept(r *run, seq int64, sec int, res services.Result) {
	r.sampleMu.Lock()
	defer r.sampleMu.Unlock()

	if seq < r.acceptedSeq {
		m.logger.Debug("stale OCR sample dropped", "seq", seq, "accepted", r.acceptedSeq)
		return
	}
	r.acceptedSeq = seq

	var text, label string
	if !res.OK() {
		text = "OCR error: " + res.Err.Message
		h := xxhash.Sum64String(text)
		if r.hasErrHash && h == r.lastErrHash {
			return
		}
		r.lastErrHash, r.hasErrHash = h, true
		label = sampleErrorLabel(sec)
	} else {
		text = strings.TrimSpace(res.Text)
		if text == "" {
			return
		}
		h := xxhash.Sum64String(text)
		r.hasErrHash = false
		if r.hasHash && h == r.lastHash {
			return
		}
		r.lastHash, r.hasHash = h, true
		label = sampleLabel(sec)
	}

	if _, err := m.deps.Context.Append(text, label); err != nil {
		m.logger.Error("appending OCR sample", "error", err)
	}
}

// Stop halts the sampler, waits for the recorder's final flush, releases
// every track, and transcribes the artifact. Transcription failures are
// appended to the context and reported in Summary.Err; the returned error
// is only for an invalid state.
func (m *Manager) Stop(ctx context.Context) (Summary, error) {
	m.mu.Lock()
	if m.state != Recording || m.run == nil {
		m.mu.Unlock()
		return Summary{}, ErrNotRecording
	}
	r := m.run
	m.state = Stopping
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.run = nil
		m.state = NotRecording
		m.mu.Unlock()
	}()

	artifact := m.finish(ctx, r)
	sum := Summary{Strategy: r.strategy, Artifact: artifact}

	if len(artifact.Data) > 0 && m.deps.Sink != nil {
		if path, err := m.deps.Sink.Save(ctx, artifact); err != nil {
			m.logger.Warn("saving recording failed", "error", err)
		} else {
			sum.SavedTo = path
		}
	}

	if len(artifact.Data) == 0 {
		sum.Err = errors.New("recording is empty")
		m.appendTranscriptError(sum.Err.Error())
		return sum, nil
	}

	res := m.deps.Transcriber.Transcribe(ctx, services.File{
		Name:     artifact.Name,
		MimeType: artifact.MimeType,
		Data:     artifact.Data,
	})
	if !res.OK() {
		sum.Err = res.Err
		m.appendTranscriptError(res.Err.Message)
		return sum, nil
	}
	sum.Transcript = res.Text
	if res.Text == "" {
		m.logger.Info("recording uploaded, no transcript returned")
		return sum, nil
	}
	if _, err := m.deps.Context.Append(res.Text, LabelTranscript); err != nil {
		m.logger.Error("appending transcript", "error", err)
	}
	return sum, nil
}

// finish is the single teardown path of a started session.
func (m *Manager) finish(ctx context.Context, r *run) Artifact {
	var art Artifact
	r.stopOnce.Do(func() {
		defer func() {
			n := r.tracks.StopAll()
			m.logger.Debug("released media tracks", "count", n)
		}()

		r.cancel()
		r.sampler.Wait()

		if err := r.rec.Stop(ctx); err != nil {
			m.logger.Warn("stopping recorder", "error", err)
		}
		select {
		case <-r.flushed:
		case <-ctx.Done():
			m.logger.Warn("final recorder flush not received", "error", ctx.Err())
		}

		r.chunksMu.Lock()
		data := bytes.Join(r.chunks, nil)
		r.chunksMu.Unlock()

		mime := r.rec.MimeType()
		if mime == "" {
			mime = "video/webm"
		}
		art = Artifact{
			Data:     data,
			MimeType: mime,
			Name:     fmt.Sprintf("recording-%d.webm", m.now().UnixMilli()),
		}
	})
	return art
}

func (m *Manager) appendTranscriptError(msg string) {
	if _, err := m.deps.Context.Append("Transcription error: "+msg, LabelTranscript); err != nil {
		m.logger.Error("appending transcript error", "error", err)
	}
}
