package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/vprof/internal/services"
)

// LabelUpload labels unsupported files and processing errors.
const LabelUpload = "[Upload]"

// Kind is how an upload is turned into text.
type Kind int

const (
	KindUnsupported Kind = iota
	KindImage
	KindMedia
	KindPDF
	KindText
)

// Classify picks the handling for a file from its MIME type, falling back
// to the extension and then to content sniffing.
func Classify(name, mimeType string, data []byte) Kind {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".pdf":
		return KindPDF
	case ".txt", ".md", ".markdown":
		return KindText
	}

	mt := mimeType
	if mt == "" {
		mt = mime.TypeByExtension(ext)
	}
	if mt == "" && len(data) > 0 {
		mt = http.DetectContentType(data)
	}
	mt, _, _ = mime.ParseMediaType(mt)

	switch {
	case strings.HasPrefix(mt, "image/"):
		return KindImage
	case strings.HasPrefix(mt, "audio/"), strings.HasPrefix(mt, "video/"):
		return KindMedia
	case mt == "application/pdf":
		return KindPDF
	case strings.HasPrefix(mt, "text/"):
		return KindText
	}
	return KindUnsupported
}

func (c *Coordinator) process(ctx context.Context, f services.File) (text, label string, err error) {
	switch Classify(f.Name, f.MimeType, f.Data) {
	case KindImage:
		res := c.svc.OCR(ctx, f, services.PromptUpload)
		if !res.OK() {
			return "", "", res.Err
		}
		return res.Text, fmt.Sprintf("[Image: %s]", f.Name), nil
	case KindMedia:
		res := c.svc.Transcribe(ctx, f)
		if !res.OK() {
			return "", "", res.Err
		}
		return res.Text, fmt.Sprintf("[Transcript: %s]", f.Name), nil
	case KindPDF:
		text, err := ExtractPDF(f.Data)
		if err != nil {
			return "", "", err
		}
		return text, fmt.Sprintf("[PDF: %s]", f.Name), nil
	case KindText:
		return string(f.Data), fmt.Sprintf("[Text: %s]", f.Name), nil
	}
	return fmt.Sprintf("(Uploaded %s – unsupported type here)", f.Name), LabelUpload, nil
}

// ExtractPDF returns the plain text of a PDF document.
func ExtractPDF(data []byte) (text string, err error) {
	// The parser panics on some malformed documents.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parsing pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
