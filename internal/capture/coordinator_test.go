package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/vprof/internal/bus"
	"github.com/kalambet/vprof/internal/frame"
	"github.com/kalambet/vprof/internal/media"
	"github.com/kalambet/vprof/internal/recording"
	"github.com/kalambet/vprof/internal/services"
)

type fakePlatform struct {
	tab     int
	permErr error
	shot    []byte
	shotErr error
}

func (p *fakePlatform) ActiveTab(ctx context.Context) (int, error) { return p.tab, nil }
func (p *fakePlatform) RequestHostPermission(ctx context.Context, tab int) error {
	return p.permErr
}
func (p *fakePlatform) CaptureVisibleTab(ctx context.Context, tab int) ([]byte, error) {
	return p.shot, p.shotErr
}

// fakePages answers InjectOverlay by delivering sel, when set.
type fakePages struct {
	coord    *Coordinator
	sel      *frame.SelectionRect
	injected atomic.Int32
}

func (p *fakePages) Send(ctx context.Context, to bus.Address, m bus.Message) error {
	if _, ok := m.(bus.InjectOverlay); !ok {
		return fmt.Errorf("unexpected %s", m.Type())
	}
	p.injected.Add(1)
	if p.sel != nil {
		p.coord.DeliverSelection(to.Tab, *p.sel)
	}
	return nil
}

type fakeServices struct {
	mu         sync.Mutex
	ocr        []services.File
	prompts    []string
	transcribe []services.File
	result     services.Result
}

func (s *fakeServices) OCR(ctx context.Context, img services.File, prompt string) services.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ocr = append(s.ocr, img)
	s.prompts = append(s.prompts, prompt)
	return s.result
}

func (s *fakeServices) Transcribe(ctx context.Context, m services.File) services.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcribe = append(s.transcribe, m)
	return s.result
}

type fakeRecorder struct {
	startErr error
	stopErr  error
	summary  recording.Summary
	state    recording.State
}

func (r *fakeRecorder) Start(ctx context.Context) error {
	if r.startErr != nil {
		return r.startErr
	}
	r.state = recording.Recording
	return nil
}

func (r *fakeRecorder) Stop(ctx context.Context) (recording.Summary, error) {
	r.state = recording.NotRecording
	return r.summary, r.stopErr
}

func (r *fakeRecorder) State() recording.State { return r.state }

type entry struct{ text, label string }

type entries struct {
	mu   sync.Mutex
	list []entry
}

func (e *entries) Append(text, label string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, entry{text, label})
	return true, nil
}

func (e *entries) all() []entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]entry(nil), e.list...)
}

type fixture struct {
	c        *Coordinator
	platform *fakePlatform
	pages    *fakePages
	svc      *fakeServices
	rec      *fakeRecorder
	entries  *entries
}

func screenshot(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		platform: &fakePlatform{tab: 4, shot: screenshot(t, 200, 100)},
		pages:    &fakePages{},
		svc:      &fakeServices{result: services.Result{Text: "x^2 + 1"}},
		rec:      &fakeRecorder{},
		entries:  &entries{},
	}
	f.c = New(f.platform, f.pages, f.svc, f.rec, f.entries, Options{SelectionTimeout: time.Second})
	f.pages.coord = f.c
	return f
}

func selection(x, y, w, h float64) *frame.SelectionRect {
	return &frame.SelectionRect{Rect: frame.Rect{X: x, Y: y, W: w, H: h}, DevicePixelRatio: 1}
}

func TestRegionCapture(t *testing.T) {
	f := newFixture(t)
	f.pages.sel = selection(10, 10, 30, 20)

	require.NoError(t, f.c.StartRegionCapture(context.Background()))

	require.Len(t, f.svc.ocr, 1)
	assert.Equal(t, services.PromptRegion, f.svc.prompts[0])
	img, err := png.Decode(bytes.NewReader(f.svc.ocr[0].Data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 30, 20), img.Bounds())

	assert.Equal(t, []entry{{"x^2 + 1", LabelPreferredCapture}}, f.entries.all())
	assert.Equal(t, StatusIdle, f.c.Status().Status)
}

func TestRegionCaptureSmallSelectionIssuesNoOCR(t *testing.T) {
	for _, sel := range []*frame.SelectionRect{selection(0, 0, 7, 100), selection(0, 0, 100, 7.9)} {
		f := newFixture(t)
		f.pages.sel = sel
		require.NoError(t, f.c.StartRegionCapture(context.Background()))
		assert.Empty(t, f.svc.ocr)
		assert.Empty(t, f.entries.all())
		assert.Equal(t, StatusIdle, f.c.Status().Status)
	}
}

func TestRegionCaptureTimeoutIsSilent(t *testing.T) {
	f := newFixture(t)
	f.c.opts.SelectionTimeout = 20 * time.Millisecond

	require.NoError(t, f.c.StartRegionCapture(context.Background()))
	assert.Equal(t, int32(1), f.pages.injected.Load())
	assert.Empty(t, f.svc.ocr)
	assert.Equal(t, Session{Status: StatusIdle}, f.c.Status())
}

func TestRegionCapturePermissionDeniedIsRetriable(t *testing.T) {
	f := newFixture(t)
	f.platform.permErr = fmt.Errorf("permission.request: %w", media.ErrPermissionDenied)

	err := f.c.StartRegionCapture(context.Background())
	require.ErrorIs(t, err, media.ErrPermissionDenied)
	st := f.c.Status()
	assert.Equal(t, StatusError, st.Status)
	assert.Equal(t, "Permission denied for this site.", st.Message)
	assert.Zero(t, f.pages.injected.Load())

	f.platform.permErr = nil
	f.pages.sel = selection(0, 0, 50, 50)
	require.NoError(t, f.c.StartRegionCapture(context.Background()))
	assert.Len(t, f.entries.all(), 1)
}

func TestRegionCaptureOCRFailureIsVisible(t *testing.T) {
	f := newFixture(t)
	f.pages.sel = selection(0, 0, 50, 50)
	f.svc.result = services.Result{Err: &services.TransportError{Op: "ocr", Status: 500, Message: "Internal Server Error"}}

	require.NoError(t, f.c.StartRegionCapture(context.Background()))
	assert.Equal(t, []entry{{"OCR error: Internal Server Error", LabelPreferredCapture}}, f.entries.all())
	assert.Equal(t, StatusIdle, f.c.Status().Status)
}

func TestRegionCaptureScreenshotFailure(t *testing.T) {
	f := newFixture(t)
	f.pages.sel = selection(0, 0, 50, 50)
	f.platform.shotErr = errors.New("tab not visible")

	require.Error(t, f.c.StartRegionCapture(context.Background()))
	assert.Equal(t, StatusError, f.c.Status().Status)
	assert.Empty(t, f.svc.ocr)
}

func TestSecondStartIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.c.StartRegionCapture(ctx) }()

	require.Eventually(t, func() bool { return f.pages.injected.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StatusSelecting, f.c.Status().Status)
	assert.ErrorIs(t, f.c.StartRegionCapture(context.Background()), ErrBusy)
	assert.ErrorIs(t, f.c.StartRecording(context.Background()), ErrBusy)
	assert.ErrorIs(t, f.c.HandleUpload(context.Background(), services.File{Name: "a.txt"}), ErrBusy)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StatusIdle, f.c.Status().Status)
}

func TestSelectionFromOtherTabIgnored(t *testing.T) {
	f := newFixture(t)
	f.c.opts.SelectionTimeout = 50 * time.Millisecond
	done := make(chan error, 1)
	go func() { done <- f.c.StartRegionCapture(context.Background()) }()

	require.Eventually(t, func() bool { return f.pages.injected.Load() == 1 }, time.Second, time.Millisecond)
	assert.False(t, f.c.DeliverSelection(99, *selection(0, 0, 50, 50)))
	require.NoError(t, <-done)
	assert.Empty(t, f.svc.ocr)
}

func TestRecordingLifecycle(t *testing.T) {
	f := newFixture(t)
	f.rec.summary = recording.Summary{Strategy: "tab_capture", Transcript: "hello"}

	require.NoError(t, f.c.StartRecording(context.Background()))
	assert.Equal(t, Session{Mode: ModeRecording, Status: StatusRecording}, f.c.Status())

	sum, err := f.c.StopRecording(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", sum.Transcript)
	assert.Equal(t, StatusIdle, f.c.Status().Status)

	_, err = f.c.StopRecording(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestRecordingPickerCancelIsNotAnError(t *testing.T) {
	f := newFixture(t)
	f.rec.startErr = &media.ChainError{Attempts: []media.Attempt{
		{Strategy: "tab_capture", Err: media.ErrCaptureUnavailable},
		{Strategy: "display_picker", Err: media.ErrUserCancelled},
	}}

	require.NoError(t, f.c.StartRecording(context.Background()))
	st := f.c.Status()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, "Capture cancelled.", st.Message)
	assert.Empty(t, f.entries.all())
}

func TestRecordingStartFailure(t *testing.T) {
	f := newFixture(t)
	f.rec.startErr = &media.ChainError{Attempts: []media.Attempt{{Strategy: "tab_capture", Err: media.ErrCaptureUnavailable}}}

	require.Error(t, f.c.StartRecording(context.Background()))
	assert.Equal(t, StatusError, f.c.Status().Status)

	f.rec.startErr = nil
	require.NoError(t, f.c.StartRecording(context.Background()), "error state is retriable")
}

func TestRecordingEndedOnItsOwnReadsIdle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.StartRecording(context.Background()))
	f.rec.state = recording.NotRecording
	assert.Equal(t, StatusIdle, f.c.Status().Status)
	require.NoError(t, f.c.HandleUpload(context.Background(), services.File{Name: "n.txt", Data: []byte("note")}))
}

func TestRecordingEndedOnItsOwnFreesCoordinator(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.StartRecording(context.Background()))
	f.rec.state = recording.NotRecording

	require.NoError(t, f.c.HandleUpload(context.Background(), services.File{Name: "n.txt", Data: []byte("note")}))
	require.NoError(t, f.c.StartRecording(context.Background()))
	assert.Equal(t, StatusRecording, f.c.Status().Status)
}

func TestHandleUpload(t *testing.T) {
	tests := []struct {
		name   string
		file   services.File
		result services.Result
		want   []entry
		ocr    int
		trans  int
	}{
		{
			name:   "image",
			file:   services.File{Name: "board.jpg", MimeType: "image/jpeg", Data: []byte{0xff, 0xd8}},
			result: services.Result{Text: "F = ma"},
			want:   []entry{{"F = ma", "[Image: board.jpg]"}},
			ocr:    1,
		},
		{
			name:   "audio",
			file:   services.File{Name: "lecture.mp3", MimeType: "audio/mpeg", Data: []byte("id3")},
			result: services.Result{Text: "welcome back"},
			want:   []entry{{"welcome back", "[Transcript: lecture.mp3]"}},
			trans:  1,
		},
		{
			name:   "video",
			file:   services.File{Name: "clip.webm", MimeType: "video/webm", Data: []byte("webm")},
			result: services.Result{Text: "today"},
			want:   []entry{{"today", "[Transcript: clip.webm]"}},
			trans:  1,
		},
		{
			name: "markdown by extension",
			file: services.File{Name: "notes.md", MimeType: "application/octet-stream", Data: []byte("# Limits\n")},
			want: []entry{{"# Limits\n", "[Text: notes.md]"}},
		},
		{
			name: "plain text",
			file: services.File{Name: "q", MimeType: "text/plain; charset=utf-8", Data: []byte("why?")},
			want: []entry{{"why?", "[Text: q]"}},
		},
		{
			name: "unsupported",
			file: services.File{Name: "data.bin", MimeType: "application/octet-stream", Data: []byte{0, 1}},
			want: []entry{{"(Uploaded data.bin – unsupported type here)", LabelUpload}},
		},
		{
			name:   "ocr failure",
			file:   services.File{Name: "x.png", MimeType: "image/png", Data: []byte{1}},
			result: services.Result{Err: &services.TransportError{Op: "ocr", Message: "Missing OPENAI_API_KEY"}},
			want:   []entry{{"Error processing x.png: Missing OPENAI_API_KEY", LabelUpload}},
			ocr:    1,
		},
		{
			name: "empty text",
			file: services.File{Name: "empty.txt", Data: []byte("  ")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.svc.result = tt.result

			require.NoError(t, f.c.HandleUpload(context.Background(), tt.file))
			assert.Equal(t, tt.want, f.entries.all())
			assert.Len(t, f.svc.ocr, tt.ocr)
			assert.Len(t, f.svc.transcribe, tt.trans)
			if tt.ocr > 0 {
				assert.Equal(t, services.PromptUpload, f.svc.prompts[0])
			}
			assert.Equal(t, StatusIdle, f.c.Status().Status)
		})
	}
}

func TestHandleUploadBrokenPDF(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.HandleUpload(context.Background(), services.File{Name: "bad.pdf", Data: []byte("not a pdf")}))

	got := f.entries.all()
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0].text, "Error processing bad.pdf: "), got[0].text)
	assert.Equal(t, LabelUpload, got[0].label)
}

// minimalPDF builds a one-page document with a correct xref table.
func minimalPDF(text string) []byte {
	content := fmt.Sprintf("BT /F1 24 Tf 72 700 Td (%s) Tj ET", text)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 5 0 R >> >> /Contents 4 0 R >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestExtractPDF(t *testing.T) {
	text, err := ExtractPDF(minimalPDF("Hello PDF"))
	require.NoError(t, err)
	assert.Contains(t, text, "Hello PDF")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name, mime string
		want       Kind
	}{
		{"a.PDF", "", KindPDF},
		{"a", "application/pdf", KindPDF},
		{"a.markdown", "", KindText},
		{"a.png", "", KindImage},
		{"a.m4a", "audio/mp4", KindMedia},
		{"a.zip", "application/zip", KindUnsupported},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.name, tt.mime, nil), tt.name)
	}
}
