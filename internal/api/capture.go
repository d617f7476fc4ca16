package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/kalambet/vprof/internal/capture"
	"github.com/kalambet/vprof/internal/services"
)

type summaryView struct {
	Strategy   string `json:"strategy,omitempty"`
	Bytes      int    `json:"bytes"`
	MimeType   string `json:"mimeType,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	SavedTo    string `json:"savedTo,omitempty"`
	Error      string `json:"error,omitempty"`
}

func handleCaptureStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Capture.Status())
	}
}

func busy(s capture.Session) bool {
	return s.Status != capture.StatusIdle && s.Status != capture.StatusError
}

// handleRegionCapture starts a region capture and returns immediately; the
// capture waits for the user to drag a rectangle on the page. Progress is
// read from GET /capture.
func handleRegionCapture(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if busy(deps.Capture.Status()) {
			httpError(w, http.StatusConflict, "conflict", "%v", capture.ErrBusy)
			return
		}
		ctx := deps.base()
		go func() {
			if err := deps.Capture.StartRegionCapture(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("region capture failed", "error", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": string(capture.StatusSelecting)})
	}
}

func handleRecordingStart(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Capture.StartRecording(r.Context())
		switch {
		case errors.Is(err, capture.ErrBusy):
			httpError(w, http.StatusConflict, "conflict", "%v", err)
			return
		case err != nil:
			msg := deps.Capture.Status().Message
			if msg == "" {
				msg = err.Error()
			}
			httpError(w, http.StatusBadGateway, "capture_error", "%s", msg)
			return
		}
		writeJSON(w, http.StatusOK, deps.Capture.Status())
	}
}

// handleRecordingStop waits for the transcript. The stop is detached from
// the request so a client that gives up does not lose the recording.
func handleRecordingStop(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := deps.Capture.StopRecording(context.WithoutCancel(r.Context()))
		switch {
		case errors.Is(err, capture.ErrNotRecording):
			httpError(w, http.StatusConflict, "conflict", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "capture_error", "%v", err)
			return
		}
		v := summaryView{
			Strategy:   sum.Strategy,
			Bytes:      len(sum.Artifact.Data),
			MimeType:   sum.Artifact.MimeType,
			Transcript: sum.Transcript,
			SavedTo:    sum.SavedTo,
		}
		if sum.Err != nil {
			v.Error = errMessage(sum.Err)
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(8 << 20); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		fh := r.MultipartForm.File["file"]
		if len(fh) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
			return
		}

		var names []string
		for _, h := range fh {
			f, err := h.Open()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "opening %s: %v", h.Filename, err)
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading %s: %v", h.Filename, err)
				return
			}

			err = deps.Capture.HandleUpload(r.Context(), services.File{
				Name:     h.Filename,
				MimeType: h.Header.Get("Content-Type"),
				Data:     data,
			})
			if errors.Is(err, capture.ErrBusy) {
				httpError(w, http.StatusConflict, "conflict", "%v", err)
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
				return
			}
			names = append(names, h.Filename)
		}
		writeJSON(w, http.StatusOK, map[string]any{"processed": names})
	}
}

func errMessage(err error) string {
	var te *services.TransportError
	if errors.As(err, &te) {
		return te.Message
	}
	return err.Error()
}
