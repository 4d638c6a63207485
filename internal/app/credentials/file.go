package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type fileEntry struct {
	Credentials Credentials `json:"credentials"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

type fileState struct {
	Credentials map[string]fileEntry `json:"credentials"`
	Projects    map[string]fileEntry `json:"projects"`
	Instances   map[string]struct {
		Names     []string  `json:"names"`
		ExpiresAt time.Time `json:"expires_at"`
	} `json:"instances"`
}

// FileStore persists credentials and project caches as JSON under the
// user's home directory, written atomically with 0600 permissions.
type FileStore struct {
	mu       sync.Mutex
	filePath string
	state    fileState

	now func() time.Time
}

// NewFileStore opens (or creates) a file store. An empty path defaults to
// ~/.dataport/credentials.json.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home dir: %w", err)
		}
		path = filepath.Join(home, ".dataport", "credentials.json")
	}

	s := &FileStore{filePath: path, now: time.Now}
	s.state.Credentials = make(map[string]fileEntry)
	s.state.Instances = make(map[string]struct {
		Names     []string  `json:"names"`
		ExpiresAt time.Time `json:"expires_at"`
	})

	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load credential store: %w", err)
	}
	return s, nil
}

func credKey(project, instance string) string {
	return project + ":" + instance
}

// Get returns live credentials for the instance; expired entries are
// pruned and reported as missing.
func (s *FileStore) Get(_ context.Context, project, instance string) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := credKey(project, instance)
	entry, ok := s.state.Credentials[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !entry.ExpiresAt.IsZero() && s.now().After(entry.ExpiresAt) {
		delete(s.state.Credentials, key)
		_ = s.persist()
		return nil, ErrNotFound
	}
	creds := entry.Credentials
	return &creds, nil
}

// Put stores credentials with the given TTL. A zero TTL never expires.
func (s *FileStore) Put(_ context.Context, project, instance string, creds Credentials, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := fileEntry{Credentials: creds}
	if ttl > 0 {
		entry.ExpiresAt = s.now().Add(ttl)
	}
	s.state.Credentials[credKey(project, instance)] = entry
	return s.persist()
}

// Delete removes an entry. Deleting a missing entry is not an error.
func (s *FileStore) Delete(_ context.Context, project, instance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Credentials, credKey(project, instance))
	return s.persist()
}

// GetInstances returns the cached instance list for a project.
func (s *FileStore) GetInstances(_ context.Context, project string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.state.Instances[project]
	if !ok {
		return nil, ErrNotFound
	}
	if !entry.ExpiresAt.IsZero() && s.now().After(entry.ExpiresAt) {
		delete(s.state.Instances, project)
		_ = s.persist()
		return nil, ErrNotFound
	}
	return append([]string(nil), entry.Names...), nil
}

// PutInstances caches a project's instance list.
func (s *FileStore) PutInstances(_ context.Context, project string, names []string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := struct {
		Names     []string  `json:"names"`
		ExpiresAt time.Time `json:"expires_at"`
	}{Names: append([]string(nil), names...)}
	if ttl > 0 {
		entry.ExpiresAt = s.now().Add(ttl)
	}
	s.state.Instances[project] = entry
	return s.persist()
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal credential store: %w", err)
	}
	if state.Credentials == nil {
		state.Credentials = make(map[string]fileEntry)
	}
	if state.Instances == nil {
		state.Instances = make(map[string]struct {
			Names     []string  `json:"names"`
			ExpiresAt time.Time `json:"expires_at"`
		})
	}
	s.state = state
	return nil
}

// persist writes the state atomically via a temp file. Caller holds the lock.
func (s *FileStore) persist() error {
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential store: %w", err)
	}

	tmpFile := s.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpFile, s.filePath); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
