package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rbright/parley/internal/logging"
)

// MemoryLocation keeps the location URL in process memory.
type MemoryLocation struct {
	mu           sync.Mutex
	raw          string
	replacements int
}

// NewMemoryLocation seeds a location with raw, or DefaultURL when blank.
func NewMemoryLocation(raw string) *MemoryLocation {
	if strings.TrimSpace(raw) == "" {
		raw = DefaultURL
	}
	return &MemoryLocation{raw: raw}
}

func (m *MemoryLocation) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raw
}

func (m *MemoryLocation) Replace(raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = raw
	m.replacements++
	return nil
}

// Replacements reports how many times Replace was called.
func (m *MemoryLocation) Replacements() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replacements
}

// FileLocation persists the location URL in a small state file so the session survives restarts.
type FileLocation struct {
	path     string
	fallback string
}

// DefaultLocationPath returns $XDG_STATE_HOME/parley/location.
func DefaultLocationPath() (string, error) {
	dir, err := logging.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "location"), nil
}

// NewFileLocation returns a file-backed location; fallback is used until the file exists.
func NewFileLocation(path, fallback string) *FileLocation {
	if strings.TrimSpace(fallback) == "" {
		fallback = DefaultURL
	}
	return &FileLocation{path: path, fallback: fallback}
}

// Path returns the backing file path.
func (f *FileLocation) Path() string {
	return f.path
}

func (f *FileLocation) Current() string {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return f.fallback
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return f.fallback
	}
	return raw
}

func (f *FileLocation) Replace(raw string) error {
	if strings.TrimSpace(f.path) == "" {
		return errors.New("location file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create location dir: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(raw+"\n"), 0o600); err != nil {
		return fmt.Errorf("write location: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace location: %w", err)
	}
	return nil
}

// Open picks the session location: an in-memory override when given, else the
// configured state file, else DefaultLocationPath.
func Open(override, file string) (Location, error) {
	if strings.TrimSpace(override) != "" {
		return NewMemoryLocation(strings.TrimSpace(override)), nil
	}
	path := strings.TrimSpace(file)
	if path == "" {
		var err error
		path, err = DefaultLocationPath()
		if err != nil {
			return nil, fmt.Errorf("resolve location path: %w", err)
		}
	}
	return NewFileLocation(path, ""), nil
}
