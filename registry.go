package appz

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/renameio/v2"
)

// AppOptions are the per-start overrides a client sends as "opt"
type AppOptions struct {
	// Name replaces the manifest name
	Name string `json:"name,omitempty"`
	// Ports replaces the manifest ports
	Ports []int `json:"ports,omitempty"`
	// Workers replaces the manifest worker count
	Workers int `json:"workers,omitempty"`
	// Output is the log directory, absolute or relative to the app directory
	Output string `json:"output,omitempty"`
}

// App is one persisted registry entry
type App struct {
	Name        string            `json:"name"`
	Dir         string            `json:"dir"`
	Args        []string          `json:"args,omitempty"`
	Opt         AppOptions        `json:"opt"`
	Env         map[string]string `json:"env,omitempty"`
	ReviveCount int               `json:"reviveCount"`
	Workers     int               `json:"workers"`
}

type registryFile struct {
	Version string `json:"version"`
	Apps    []App  `json:"apps"`
}

// Registry is the persisted list of apps. Every mutation is written to
// disk atomically before the call returns.
type Registry struct {
	path string

	mu      sync.Mutex
	version string
	apps    []App
}

// OpenRegistry loads the registry at path, creating an empty one if the
// file does not exist. A registry written by another version is restamped.
func OpenRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading registry: %w", err)
	default:
		var f registryFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decoding registry %s: %w", path, err)
		}
		r.version = f.Version
		r.apps = f.Apps
	}

	if r.version != RegistryVersion {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.version = RegistryVersion
		if err := r.saveLocked(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Path returns the registry file path
func (r *Registry) Path() string {
	return r.path
}

func (r *Registry) saveLocked() error {
	if r.apps == nil {
		r.apps = []App{}
	}
	data, err := json.MarshalIndent(registryFile{Version: r.version, Apps: r.apps}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), DirMode); err != nil {
		return fmt.Errorf("creating registry dir: %w", err)
	}
	if err := renameio.WriteFile(r.path, append(data, '\n'), SecretMode); err != nil {
		return fmt.Errorf("writing registry: %w", err)
	}
	return nil
}

// commitLocked saves the registry, restoring prev if the write fails
func (r *Registry) commitLocked(prev []App) error {
	if err := r.saveLocked(); err != nil {
		r.apps = prev
		return err
	}
	return nil
}

func (r *Registry) indexLocked(name string) int {
	for i := range r.apps {
		if r.apps[i].Name == name {
			return i
		}
	}
	return -1
}

// Apps returns a copy of every entry in registration order
func (r *Registry) Apps() []App {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]App, len(r.apps))
	copy(out, r.apps)
	return out
}

// Get returns the entry called name
func (r *Registry) Get(name string) (App, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexLocked(name); i >= 0 {
		return r.apps[i], true
	}
	return App{}, false
}

// Add registers app; the name check and insert are one atomic step
func (r *Registry) Add(app App) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(app.Name) >= 0 {
		return ErrDuplicateName
	}
	prev := r.apps
	r.apps = append(slices.Clip(r.apps), app)
	return r.commitLocked(prev)
}

// Update applies fn to the entry called name and saves
func (r *Registry) Update(name string, fn func(*App)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(name)
	if i < 0 {
		return ErrAppNotFound
	}
	prev := slices.Clone(r.apps)
	fn(&r.apps[i])
	return r.commitLocked(prev)
}

// Remove deletes the entry called name, reporting whether it existed
func (r *Registry) Remove(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(name)
	if i < 0 {
		return false, nil
	}
	prev := r.apps
	r.apps = slices.Delete(slices.Clone(r.apps), i, i+1)
	if err := r.commitLocked(prev); err != nil {
		return false, err
	}
	return true, nil
}

// Clear removes every entry
func (r *Registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.apps
	r.apps = []App{}
	return r.commitLocked(prev)
}
