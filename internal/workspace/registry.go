// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	writeiterrors "github.com/nibzard/writeit/pkg/errors"
)

const registryFileName = "registry.json"

// registryFile is the on-disk shape of the registry.
type registryFile struct {
	Active     string                 `json:"active"`
	Workspaces map[string]*Workspace  `json:"workspaces"`
}

// Registry is the process-wide singleton owning the set of workspaces.
// It is the only component in the system that is not request-scoped
// (every other singleton is lifted to a context object owned by its
// caller; the Workspace Registry is the one deliberate exception).
type Registry struct {
	mu      sync.RWMutex
	homeDir string
	active  string
	entries map[string]*Workspace
}

// NewRegistry constructs a Registry rooted at homeDir. Call Initialize
// before use.
func NewRegistry(homeDir string) *Registry {
	return &Registry{
		homeDir: homeDir,
		entries: make(map[string]*Workspace),
	}
}

func (r *Registry) registryPath() string {
	return filepath.Join(r.homeDir, registryFileName)
}

// Initialize creates the home directory, seeds a "default" workspace if
// none exists, and persists the registry file. Idempotent: calling it
// again on an already-initialized home directory is a no-op beyond
// loading state.
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.homeDir, 0o700); err != nil {
		return writeiterrors.Wrapf(err, "creating workspace home %s", r.homeDir)
	}

	if err := r.load(); err != nil {
		return err
	}

	if len(r.entries) == 0 {
		ws, err := r.createLocked(DefaultWorkspaceName)
		if err != nil {
			return err
		}
		r.active = ws.Name
		return r.persistLocked()
	}

	return nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.registryPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return writeiterrors.Wrap(err, "reading workspace registry")
	}

	var rf registryFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return writeiterrors.Wrap(err, "parsing workspace registry")
	}

	r.active = rf.Active
	if rf.Workspaces != nil {
		r.entries = rf.Workspaces
	}
	return nil
}

func (r *Registry) persistLocked() error {
	rf := registryFile{Active: r.active, Workspaces: r.entries}
	data, err := json.MarshalIndent(&rf, "", "  ")
	if err != nil {
		return writeiterrors.Wrap(err, "encoding workspace registry")
	}
	return os.WriteFile(r.registryPath(), data, 0o600)
}

// Create makes a new workspace: directory layout (templates/, storage/,
// cache/, config) plus a registry entry. Fails with ExistsError if the
// name is already registered.
func (r *Registry) Create(name string) (*Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws, err := r.createLocked(name)
	if err != nil {
		return nil, err
	}
	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	return ws, nil
}

func (r *Registry) createLocked(name string) (*Workspace, error) {
	if _, exists := r.entries[name]; exists {
		return nil, &ExistsError{Name: name}
	}

	root := filepath.Join(r.homeDir, "workspaces", name)
	ws := &Workspace{Name: name, Root: root, CreatedAt: time.Now().UTC()}

	for _, dir := range []string{ws.TemplatesDir(), ws.StorageDir(), ws.CacheDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, writeiterrors.Wrapf(err, "creating workspace directory %s", dir)
		}
	}
	if _, err := os.OpenFile(ws.ConfigPath(), os.O_CREATE|os.O_RDONLY, 0o600); err != nil {
		return nil, writeiterrors.Wrap(err, "creating workspace config file")
	}

	r.entries[name] = ws
	return ws, nil
}

// Remove deletes a workspace's directory and registry entry. Fails with
// ActiveError if the workspace is currently active.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws, ok := r.entries[name]
	if !ok {
		return &writeiterrors.NotFoundError{Resource: "workspace", ID: name}
	}
	if r.active == name {
		return &ActiveError{Name: name}
	}

	if err := os.RemoveAll(ws.Root); err != nil {
		return writeiterrors.Wrapf(err, "removing workspace directory %s", ws.Root)
	}
	delete(r.entries, name)
	return r.persistLocked()
}

// SetActive marks name as the process-wide current workspace.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return &writeiterrors.NotFoundError{Resource: "workspace", ID: name}
	}
	r.active = name
	return r.persistLocked()
}

// Active returns the process-wide current workspace.
func (r *Registry) Active() (*Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ws, ok := r.entries[r.active]
	if !ok {
		return nil, &writeiterrors.NotFoundError{Resource: "workspace", ID: r.active}
	}
	return ws, nil
}

// Get returns the named workspace.
func (r *Registry) Get(name string) (*Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ws, ok := r.entries[name]
	if !ok {
		return nil, &writeiterrors.NotFoundError{Resource: "workspace", ID: name}
	}
	return ws, nil
}

// PathFor returns the absolute root directory for name.
func (r *Registry) PathFor(name string) (string, error) {
	ws, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return ws.Root, nil
}

// List returns every registered workspace.
func (r *Registry) List() []*Workspace {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Workspace, 0, len(r.entries))
	for _, ws := range r.entries {
		out = append(out, ws)
	}
	return out
}
