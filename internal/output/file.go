package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileSaver writes each recording as a YAML document into the recording's
// destination directory.
type FileSaver struct{}

func NewFileSaver() *FileSaver { return &FileSaver{} }

func (s *FileSaver) Name() string { return "file" }

// FileName is the name a recording is saved under.
func FileName(rec *Recording) string {
	id := rec.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("recording-%s-%s.yaml", rec.StartedAt.Format("20060102-150405"), id)
}

func (s *FileSaver) Save(ctx context.Context, rec *Recording) error {
	if rec.Destination == "" {
		return ErrNoDestination
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(rec.Destination, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode recording: %w", err)
	}

	path := filepath.Join(rec.Destination, FileName(rec))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write recording: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize recording: %w", err)
	}
	return nil
}
