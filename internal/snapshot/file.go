package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"fundingflow/internal/models"
)

// FileStore keeps the snapshot in a single local JSON file. Writes go to a
// temp file in the same directory and are renamed into place, so a reader
// never sees a partial file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Name() string { return "file:" + f.path }

func (f *FileStore) Path() string { return f.path }

type tempResult struct {
	name string
	err  error
}

// Save writes snap atomically. If ctx ends first the temp file is discarded
// and the previous snapshot stays in place.
func (f *FileStore) Save(ctx context.Context, snap models.Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	ch := make(chan tempResult, 1)
	go func() {
		name, err := f.writeTemp(data)
		ch <- tempResult{name: name, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				os.Remove(r.name)
			}
		}()
		return fmt.Errorf("save snapshot: %w", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if err := ctx.Err(); err != nil {
			os.Remove(r.name)
			return fmt.Errorf("save snapshot: %w", err)
		}
		if err := os.Rename(r.name, f.path); err != nil {
			os.Remove(r.name)
			return fmt.Errorf("rename snapshot: %w", err)
		}
		syncDir(filepath.Dir(f.path))
		return nil
	}
}

func (f *FileStore) writeTemp(data []byte) (string, error) {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp snapshot: %w", err)
	}
	name := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("close temp snapshot: %w", err)
	}
	return name, nil
}

// Load reads the snapshot file. A missing file is a cold start, not an error.
func (f *FileStore) Load(ctx context.Context) (*models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	snap, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.path, err)
	}
	return snap, nil
}

// syncDir flushes the rename on filesystems that need it; failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
