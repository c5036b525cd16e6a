// Package contacts keeps local display-name overrides keyed by email. The
// map never leaves the device.
package contacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/4xmen/basemapp/internal/models"
)

type Overrides struct {
	path string

	mu    sync.RWMutex
	names map[string]string
}

func key(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// New returns an empty map that saves to path. An empty path keeps it in memory.
func New(path string) *Overrides {
	return &Overrides{path: path, names: make(map[string]string)}
}

// Load reads path; a missing file yields an empty map.
func Load(path string) (*Overrides, error) {
	o := New(path)
	if path == "" {
		return o, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return o, nil
		}
		return nil, fmt.Errorf("failed to read contacts: %w", err)
	}

	var stored map[string]string
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse contacts: %w", err)
	}
	o.Merge(stored)
	return o, nil
}

func (o *Overrides) Set(email, name string) {
	name = strings.TrimSpace(name)
	o.mu.Lock()
	defer o.mu.Unlock()
	if name == "" {
		delete(o.names, key(email))
		return
	}
	o.names[key(email)] = name
}

func (o *Overrides) Get(email string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	name, ok := o.names[key(email)]
	return name, ok
}

// Resolve returns the override for email, or fallback.
func (o *Overrides) Resolve(email, fallback string) string {
	if name, ok := o.Get(email); ok {
		return name
	}
	return fallback
}

// DisplayName picks the override, then the username, then the email.
func (o *Overrides) DisplayName(user *models.User) string {
	if user == nil {
		return ""
	}
	fallback := user.Username
	if fallback == "" {
		fallback = user.Email
	}
	return o.Resolve(user.Email, fallback)
}

// Merge adds entries, replacing existing names. It returns how many were applied.
func (o *Overrides) Merge(entries map[string]string) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := 0
	for email, name := range entries {
		name = strings.TrimSpace(name)
		if k := key(email); k != "" && name != "" {
			o.names[k] = name
			n++
		}
	}
	return n
}

func (o *Overrides) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.names)
}

// Clear drops every override.
func (o *Overrides) Clear() {
	o.mu.Lock()
	o.names = make(map[string]string)
	o.mu.Unlock()
}

// Save writes the map to its file through a rename so a crash never leaves
// a truncated file.
func (o *Overrides) Save() error {
	if o.path == "" {
		return nil
	}

	o.mu.RLock()
	data, err := json.MarshalIndent(o.names, "", "  ")
	o.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(o.path), 0700); err != nil {
		return fmt.Errorf("failed to create contacts dir: %w", err)
	}
	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write contacts: %w", err)
	}
	return os.Rename(tmp, o.path)
}
