// Package identity manages the agent id: a random UUID persisted in the
// data directory, or a fixed id from configuration.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

const (
	// MaxIDLength bounds configured ids.
	MaxIDLength = 64

	// Auto asks for a generated, persisted id.
	Auto = "auto"

	idFileName = "agent_id"
)

var (
	// ErrInvalidID is returned for ids that are empty, too long or contain
	// whitespace or control characters.
	ErrInvalidID = errors.New("invalid agent id")

	// ErrNotFound is returned by Load when no id has been stored.
	ErrNotFound = errors.New("agent id not found")
)

// New returns a fresh random id.
func New() string {
	return strings.ToUpper(uuid.NewString())
}

// Validate checks a configured id.
func Validate(id string) error {
	if id == "" || len(id) > MaxIDLength {
		return fmt.Errorf("%w: length %d", ErrInvalidID, len(id))
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == '/' {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}

// Store persists id to dataDir.
func Store(dataDir, id string) error {
	if err := Validate(id); err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	filePath := filepath.Join(dataDir, idFileName)

	// Write atomically by writing to temp file first
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, []byte(id+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write agent id: %w", err)
	}
	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist agent id: %w", err)
	}
	return nil
}

// Load reads the id stored in dataDir.
func Load(dataDir string) (string, error) {
	filePath := filepath.Join(dataDir, idFileName)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w at %s", ErrNotFound, filePath)
		}
		return "", fmt.Errorf("failed to read agent id: %w", err)
	}
	id := strings.TrimSpace(string(data))
	if err := Validate(id); err != nil {
		return "", err
	}
	return id, nil
}

// LoadOrCreate loads the stored id or creates and stores a new one. The
// boolean reports whether the id was created.
func LoadOrCreate(dataDir string) (string, bool, error) {
	id, err := Load(dataDir)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", false, err
	}

	id = New()
	if err := Store(dataDir, id); err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Resolve returns the configured id, or the persisted one when configured
// is empty or "auto".
func Resolve(configured, dataDir string) (string, error) {
	if configured == "" || strings.EqualFold(configured, Auto) {
		id, _, err := LoadOrCreate(dataDir)
		return id, err
	}
	if err := Validate(configured); err != nil {
		return "", err
	}
	return configured, nil
}

// Exists reports whether an id is stored in dataDir.
func Exists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, idFileName))
	return err == nil
}
