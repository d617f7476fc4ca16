package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/vprof/internal/config"
)

type memBase struct {
	url string
	err error
}

func (m *memBase) DiscoveredBaseURL() string { return m.url }

func (m *memBase) SetDiscoveredBaseURL(u string) error {
	if m.err != nil {
		return m.err
	}
	m.url = u
	return nil
}

func TestOCRSendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/vinay/ocr", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, PromptRegion, r.FormValue("prompt"))

		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "capture.png", hdr.Filename)
		assert.Equal(t, "image/png", hdr.Header.Get("Content-Type"))
		assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)

		json.NewEncoder(w).Encode(map[string]string{"text": "  x^2 + 1  "})
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.URL)
	res := c.OCR(context.Background(), File{Data: []byte{0x89, 'P', 'N', 'G'}}, PromptRegion)
	require.True(t, res.OK(), "unexpected error: %v", res.Err)
	assert.Equal(t, "x^2 + 1", res.Text)
}

func TestOCRNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "Missing OPENAI_API_KEY"})
	}))
	defer srv.Close()

	res := NewWithBaseURL(srv.URL).OCR(context.Background(), File{Data: []byte("x")}, PromptFrame)
	require.False(t, res.OK())
	assert.Equal(t, http.StatusInternalServerError, res.Err.Status)
	assert.Equal(t, "Missing OPENAI_API_KEY", res.Err.Message)
	assert.Contains(t, res.Err.Error(), "ocr")
}

func TestNonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "<html>bad gateway</html>", http.StatusBadGateway)
	}))
	defer srv.Close()

	res := NewWithBaseURL(srv.URL).Transcribe(context.Background(), File{Data: []byte("webm")})
	require.False(t, res.OK())
	assert.Equal(t, "Bad Gateway", res.Err.Message)
}

func TestMalformedSuccessBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	res := NewWithBaseURL(srv.URL).Ask(context.Background(), "q", "")
	require.False(t, res.OK())
	assert.Equal(t, "malformed response", res.Err.Message)
}

func TestTransportFailureIsValue(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res := NewWithBaseURL(url).OCR(context.Background(), File{Data: []byte("x")}, PromptUpload)
	require.False(t, res.OK())
	assert.NotEmpty(t, res.Err.Message)
	assert.NotNil(t, res.Err.Err)
}

func TestTranscribeUsesFileName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/vinay/transcribe", r.URL.Path)
		_, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "lecture.mp3", hdr.Filename)
		assert.Empty(t, r.FormValue("prompt"))
		json.NewEncoder(w).Encode(map[string]string{"text": "hello class"})
	}))
	defer srv.Close()

	res := NewWithBaseURL(srv.URL).Transcribe(context.Background(), File{Name: "lecture.mp3", MimeType: "audio/mpeg", Data: []byte("id3")})
	require.True(t, res.OK())
	assert.Equal(t, "hello class", res.Text)
}

func TestAskResponseShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"text", `{"text":"a"}`, "a"},
		{"answer", `{"answer":"b"}`, "b"},
		{"choices", `{"choices":[{"message":{"content":"c"}}]}`, "c"},
		{"empty", `{}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var req askRequest
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "why?", req.Prompt)
				assert.Equal(t, "ctx", req.Context)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			res := NewWithBaseURL(srv.URL).Ask(context.Background(), "why?", "ctx")
			require.True(t, res.OK())
			assert.Equal(t, tt.want, res.Text)
		})
	}
}

func TestAskErrorFieldOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	}))
	defer srv.Close()

	res := NewWithBaseURL(srv.URL).Ask(context.Background(), "q", "")
	require.False(t, res.OK())
	assert.Equal(t, "quota exceeded", res.Err.Message)
}

func TestPerCallTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(config.ServicesConfig{Candidates: []string{srv.URL}, AskTimeout: 50 * time.Millisecond}, nil)
	res := c.Ask(context.Background(), "q", "")
	require.False(t, res.OK())
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded))
	assert.Contains(t, res.Err.Message, "timed out")
}

func TestDiscoverPrefersPersisted(t *testing.T) {
	var hits atomic.Int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/hints", r.URL.Path)
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()

	store := &memBase{}
	c := New(config.ServicesConfig{Candidates: []string{bad.URL, good.URL}}, store)

	base, err := c.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, good.URL, base)
	assert.Equal(t, good.URL, store.url)
	assert.Equal(t, good.URL, c.BaseURL())

	// A fresh client starts from the persisted URL.
	c2 := New(config.ServicesConfig{Candidates: []string{bad.URL}}, store)
	assert.Equal(t, good.URL, c2.BaseURL())
	base, err = c2.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, good.URL, base)
}

func TestDiscoverNoneReachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := New(config.ServicesConfig{Candidates: []string{srv.URL}}, nil)
	_, err := c.Discover(context.Background())
	assert.ErrorIs(t, err, ErrNoService)
}
