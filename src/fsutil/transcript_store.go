package fsutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"aftermeet/src/storage/minioctrl"
)

// RefPrefix marks transcript references that live on local disk.
const RefPrefix = "file://"

// TranscriptStore keeps transcripts under a root directory, for single-host
// setups without object storage. Object names match the MinIO layout.
type TranscriptStore struct {
	files FileStore
	root  string
}

func NewTranscriptStore(files FileStore, root string) *TranscriptStore {
	return &TranscriptStore{files: files, root: root}
}

func (t *TranscriptStore) Save(ctx context.Context, meetingID int64, text string) (string, error) {
	name := minioctrl.TranscriptObjectName(meetingID)
	if err := t.files.WriteFile(filepath.Join(t.root, filepath.FromSlash(name)), []byte(text)); err != nil {
		return "", fmt.Errorf("failed to write transcript: %w", err)
	}
	return RefPrefix + name, nil
}

func (t *TranscriptStore) path(ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, RefPrefix)
	if !ok || name == "" {
		return "", fmt.Errorf("invalid transcript reference: %q", ref)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("transcript reference escapes root: %q", ref)
	}
	return filepath.Join(t.root, clean), nil
}

func (t *TranscriptStore) Load(ctx context.Context, ref string) (string, error) {
	p, err := t.path(ref)
	if err != nil {
		return "", err
	}
	data, err := t.files.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("transcript %s: %w", ref, err)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read transcript: %w", err)
	}
	return string(data), nil
}

// Delete removes the files behind refs. Unknown references are skipped.
func (t *TranscriptStore) Delete(ctx context.Context, refs []string) error {
	for _, ref := range refs {
		p, err := t.path(ref)
		if err != nil {
			continue
		}
		if err := t.files.Remove(p); err != nil {
			return fmt.Errorf("failed to delete transcript: %w", err)
		}
	}
	return nil
}
