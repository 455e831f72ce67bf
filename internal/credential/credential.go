// Package credential resolves API key identifiers to their shared secrets.
package credential

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hatemosphere/pkgdepot/internal/apperr"
)

// Resolver looks up the secret for an API key. Unknown or disabled keys
// yield an apperr NotFound error.
type Resolver interface {
	Resolve(ctx context.Context, keyID string) (string, error)
}

// Credential is one API key entry.
type Credential struct {
	KeyID       string `yaml:"id"`
	Secret      string `yaml:"secret"`
	Description string `yaml:"description"`
	Disabled    bool   `yaml:"disabled"`
}

// File is the on-disk layout of the credentials file.
type File struct {
	Keys []Credential `yaml:"keys"`
}

// LoadFile reads and parses a credentials file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	seen := make(map[string]bool, len(f.Keys))
	for i, c := range f.Keys {
		switch {
		case c.KeyID == "":
			return nil, fmt.Errorf("credentials: key %d has no id", i)
		case c.Secret == "":
			return nil, fmt.Errorf("credentials: key %q has no secret", c.KeyID)
		case seen[c.KeyID]:
			return nil, fmt.Errorf("credentials: duplicate key %q", c.KeyID)
		}
		seen[c.KeyID] = true
	}
	return &f, nil
}

// FileResolver serves credentials from a YAML file.
type FileResolver struct {
	path string

	mu   sync.RWMutex
	keys map[string]Credential
}

// NewFileResolver loads path and returns a resolver over it.
func NewFileResolver(path string) (*FileResolver, error) {
	r := &FileResolver{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the credentials file. On error the previous keys stay in effect.
func (r *FileResolver) Reload() error {
	f, err := LoadFile(r.path)
	if err != nil {
		return err
	}
	keys := make(map[string]Credential, len(f.Keys))
	for _, c := range f.Keys {
		keys[c.KeyID] = c
	}
	r.mu.Lock()
	r.keys = keys
	r.mu.Unlock()
	return nil
}

// Len returns the number of loaded keys, including disabled ones.
func (r *FileResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

func (r *FileResolver) Resolve(_ context.Context, keyID string) (string, error) {
	const op = "credential.Resolve"
	if keyID == "" {
		return "", apperr.InvalidArgument(op, "api key id is required")
	}
	r.mu.RLock()
	c, ok := r.keys[keyID]
	r.mu.RUnlock()
	if !ok || c.Disabled {
		return "", apperr.NotFound(op, "unknown api key")
	}
	return c.Secret, nil
}

// StaticResolver serves a fixed key→secret map. Used by tests and for
// single-key deployments.
type StaticResolver map[string]string

func (s StaticResolver) Resolve(_ context.Context, keyID string) (string, error) {
	secret, ok := s[keyID]
	if !ok || secret == "" {
		return "", apperr.NotFound("credential.Resolve", "unknown api key")
	}
	return secret, nil
}
