// Package store persists the last published value of every entity in a small
// JSON document so totals survive a restart.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

type File struct {
	path string
	log  *zap.Logger

	mu     sync.Mutex
	values map[string]string
}

// Open loads path. A missing file yields an empty store; an unreadable or
// corrupt one is logged and replaced on the next save.
func Open(path string, log *zap.Logger) *File {
	if log == nil {
		log = zap.NewNop()
	}
	f := &File{path: path, log: log, values: map[string]string{}}
	if err := f.load(); err != nil {
		log.Warn("could not restore state file, starting empty", zap.String("path", path), zap.Error(err))
		f.values = map[string]string{}
	}
	return f
}

func (f *File) load() error {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if err := json.Unmarshal(data, &f.values); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if f.values == nil {
		f.values = map[string]string{}
	}
	return nil
}

func (f *File) LoadLastValue(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok
}

// SaveValue stores value and rewrites the file if it changed.
func (f *File) SaveValue(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, had := f.values[key]
	if had && old == value {
		return nil
	}
	f.values[key] = value
	if err := f.flush(); err != nil {
		// memory must match disk, otherwise the next save of the same value is skipped
		if had {
			f.values[key] = old
		} else {
			delete(f.values, key)
		}
		return err
	}
	return nil
}

func (f *File) flush() error {
	data, err := json.MarshalIndent(f.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %q: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %q: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename to %q: %w", f.path, err)
	}
	return nil
}
