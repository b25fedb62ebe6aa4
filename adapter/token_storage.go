package ctrader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileTokenStorage keeps one JSON document per token name under a single
// directory. It is the TokenStorage used by AuthClient.
type FileTokenStorage struct {
	dir string
}

// NewTokenStorage opens (creating if needed) the token directory. An empty dir
// falls back to TOKEN_STORAGE_PATH and then to "data".
func NewTokenStorage(dir string) (*FileTokenStorage, error) {
	for _, candidate := range []string{dir, os.Getenv("TOKEN_STORAGE_PATH"), "data"} {
		if candidate != "" {
			dir = candidate
			break
		}
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("token storage %s: %w", dir, err)
	}
	return &FileTokenStorage{dir: dir}, nil
}

func (f *FileTokenStorage) path(name string) string {
	return filepath.Join(f.dir, name)
}

// SaveToken writes token to a temp file and renames it over name, so a crash
// never leaves a half-written token behind.
func (f *FileTokenStorage) SaveToken(name string, token *TokenInfo) error {
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token %s: %w", name, err)
	}

	// CreateTemp opens with mode 0600
	tmp, err := os.CreateTemp(f.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("save token %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save token %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save token %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), f.path(name)); err != nil {
		return fmt.Errorf("save token %s: %w", name, err)
	}
	return nil
}

// LoadToken reads name back. Callers detect "never saved" with
// errors.Is(err, os.ErrNotExist).
func (f *FileTokenStorage) LoadToken(name string) (*TokenInfo, error) {
	data, err := os.ReadFile(f.path(name))
	if err != nil {
		return nil, fmt.Errorf("load token %s: %w", name, err)
	}

	token := &TokenInfo{}
	if err := json.Unmarshal(data, token); err != nil {
		return nil, fmt.Errorf("decode token %s: %w", name, err)
	}
	return token, nil
}

// DeleteToken removes name; deleting a token that was never saved is not an error.
func (f *FileTokenStorage) DeleteToken(name string) error {
	err := os.Remove(f.path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete token %s: %w", name, err)
	}
	return nil
}
