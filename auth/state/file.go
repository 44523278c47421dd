package state

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sync"

	"github.com/gravitational/trace"
)

// FileStore keeps the whole session as a single JSON object in a file.
// NB: serialized within a process only, does not use file-locking.
type FileStore struct {
	mu       sync.Mutex
	filename string
}

func NewFileStore(filename string) (*FileStore, error) {
	if filename == "" {
		return nil, trace.BadParameter("missing session file name")
	}
	return &FileStore{filename: filename}, nil
}

func (f *FileStore) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return "", trace.Wrap(err)
	}
	value, ok := data[key]
	if !ok {
		return "", trace.NotFound("state does not contain `%s`", key)
	}
	return value, nil
}

func (f *FileStore) Set(_ context.Context, key, value string) error {
	if err := checkKey(key); err != nil {
		return trace.Wrap(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return trace.Wrap(err)
	}
	data[key] = value
	return trace.Wrap(f.save(data))
}

func (f *FileStore) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.filename)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return trace.ConvertSystemError(err)
}

func (f *FileStore) load() (map[string]string, error) {
	payload, err := os.ReadFile(f.filename)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	data := make(map[string]string)
	if len(payload) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, trace.Wrap(err, "session file %q is corrupted", f.filename)
	}
	return data, nil
}

func (f *FileStore) save(data map[string]string) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.ConvertSystemError(os.WriteFile(f.filename, payload, 0600))
}
