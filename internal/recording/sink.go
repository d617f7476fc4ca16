package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirSink writes artifacts into a directory, typically the user's downloads.
type DirSink struct {
	Dir string
}

func (s DirSink) Save(ctx context.Context, a Artifact) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", s.Dir, err)
	}
	path := filepath.Join(s.Dir, filepath.Base(a.Name))
	if err := os.WriteFile(path, a.Data, 0o644); err != nil {
		return "", fmt.Errorf("writing recording: %w", err)
	}
	return path, nil
}
