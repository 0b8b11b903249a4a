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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_InitializeSeedsDefaultWorkspace(t *testing.T) {
	home := t.TempDir()
	reg := NewRegistry(home)

	require.NoError(t, reg.Initialize())

	ws, err := reg.Active()
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkspaceName, ws.Name)
	assert.DirExists(t, ws.TemplatesDir())
	assert.DirExists(t, ws.StorageDir())
	assert.DirExists(t, ws.CacheDir())
}

func TestRegistry_InitializeIsIdempotent(t *testing.T) {
	home := t.TempDir()
	reg := NewRegistry(home)
	require.NoError(t, reg.Initialize())

	reg2 := NewRegistry(home)
	require.NoError(t, reg2.Initialize())

	assert.Len(t, reg2.List(), 1)
}

func TestRegistry_CreateDuplicateFails(t *testing.T) {
	home := t.TempDir()
	reg := NewRegistry(home)
	require.NoError(t, reg.Initialize())

	_, err := reg.Create(DefaultWorkspaceName)
	require.Error(t, err)
	var existsErr *ExistsError
	require.ErrorAs(t, err, &existsErr)
}

func TestRegistry_RemoveActiveFails(t *testing.T) {
	home := t.TempDir()
	reg := NewRegistry(home)
	require.NoError(t, reg.Initialize())

	err := reg.Remove(DefaultWorkspaceName)
	require.Error(t, err)
	var activeErr *ActiveError
	require.ErrorAs(t, err, &activeErr)
}

func TestRegistry_CreateRemove(t *testing.T) {
	home := t.TempDir()
	reg := NewRegistry(home)
	require.NoError(t, reg.Initialize())

	ws, err := reg.Create("scratch")
	require.NoError(t, err)
	assert.Equal(t, "scratch", ws.Name)

	require.NoError(t, reg.Remove("scratch"))
	_, err = reg.Get("scratch")
	require.Error(t, err)
}

func TestRegistry_PersistsAcrossInstances(t *testing.T) {
	home := t.TempDir()
	reg := NewRegistry(home)
	require.NoError(t, reg.Initialize())
	_, err := reg.Create("scratch")
	require.NoError(t, err)

	reg2 := NewRegistry(home)
	require.NoError(t, reg2.Initialize())
	ws, err := reg2.Get("scratch")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "workspaces", "scratch"), ws.Root)
}

func TestResolvePath_RejectsEscape(t *testing.T) {
	ws := &Workspace{Name: "w", Root: "/tmp/writeit-test-ws"}

	_, err := ResolvePath(ws, "../../etc/passwd")
	require.Error(t, err)

	p, err := ResolvePath(ws, "templates/basic.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/writeit-test-ws", "templates", "basic.yaml"), p)
}
