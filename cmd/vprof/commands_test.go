package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/kalambet/vprof/internal/capture"
	"github.com/kalambet/vprof/internal/config"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestChatsList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /chats": `[{"id":"0f8fad5b-d9cb-469f-a165-70867728950e","title":"Limits","messages":2,"active":true}]`,
	})

	resp, err := ts.client().get(ctx, "/chats")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var chats []chatRow
	if err := decodeJSON(resp, &chats); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(chats) != 1 || chats[0].Title != "Limits" || !chats[0].Active {
		t.Fatalf("chats = %+v", chats)
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
}

func TestResolveChatID(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /chats": `[{"id":"abc123"},{"id":"abd456"},{"id":"xyz"}]`,
	})
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)

	tests := []struct {
		prefix  string
		want    string
		wantErr string
	}{
		{"xyz", "xyz", ""},
		{"abc", "abc123", ""},
		{"ab", "", "ambiguous"},
		{"q", "", "no chat matches"},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			got, err := resolveChatID(cmd, ts.client(), tt.prefix)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want it to mention %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeJSON_ErrorMessage(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = decodeJSON(resp, &struct{}{})
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if err.Error() != "server returned 404: not found" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestDecodeJSON_NoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := &apiClient{baseURL: srv.URL, token: "t", httpClient: srv.Client()}
	resp, err := c.delete(ctx, "/chats/x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := decodeJSON(resp, nil); err != nil {
		t.Fatalf("decode error: %v", err)
	}
}

func TestUploadSendsMultipart(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /capture/upload": `{"processed":["board.png"]}`,
	})

	if err := ts.client().Upload(ctx, "board.png", []byte("\x89PNG")); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	r := ts.requests[0]
	mt, params, err := mime.ParseMediaType(r.ContentType)
	if err != nil || mt != "multipart/form-data" {
		t.Fatalf("content type = %q", r.ContentType)
	}
	mr := multipart.NewReader(strings.NewReader(r.Body), params["boundary"])
	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("reading part: %v", err)
	}
	if part.FormName() != "file" || part.FileName() != "board.png" {
		t.Errorf("part = %s/%s", part.FormName(), part.FileName())
	}
	data, _ := io.ReadAll(part)
	if string(data) != "\x89PNG" {
		t.Errorf("data = %q", data)
	}
}

func TestServerNotReachable(t *testing.T) {
	c := &apiClient{baseURL: "http://127.0.0.1:1", token: "t", httpClient: http.DefaultClient}
	_, err := c.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestContextAdd_MissingText(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"context", "add"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing text")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestAsk_MissingQuestion(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ask"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing question")
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestCaptureLine(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	tests := []struct {
		s    capture.Session
		want string
	}{
		{capture.Session{Status: capture.StatusIdle}, "idle"},
		{capture.Session{Mode: capture.ModeRecording, Status: capture.StatusRecording}, "recording (recording)"},
		{capture.Session{Mode: capture.ModeRegion, Status: capture.StatusError, Message: "No active tab."}, "error (region): No active tab."},
	}
	for _, tt := range tests {
		if got := captureLine(tt.s); got != tt.want {
			t.Errorf("captureLine(%+v) = %q, want %q", tt.s, got, tt.want)
		}
	}

	noColor = false
	if got := captureLine(capture.Session{Status: capture.StatusRecording}); !strings.HasPrefix(got, colorRed) {
		t.Errorf("recording should render red, got %q", got)
	}
}

func TestServerHost(t *testing.T) {
	tests := []struct{ bind, want string }{
		{"", "127.0.0.1"},
		{"0.0.0.0", "127.0.0.1"},
		{"127.0.0.1", "127.0.0.1"},
		{"192.168.1.5", "192.168.1.5"},
	}
	for _, tt := range tests {
		cfg := config.Config{Server: config.ServerConfig{Bind: tt.bind}}
		if got := serverHost(cfg); got != tt.want {
			t.Errorf("serverHost(%q) = %q, want %q", tt.bind, got, tt.want)
		}
	}
}

func TestLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := logLevel(in); got != want {
			t.Errorf("logLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid <= 0 {
		t.Errorf("pid = %d", pid)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}
