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

package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	s, err := Open(path, 0, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put("runs", []byte("run_1"), []byte(`{"status":"running"}`)))

	v, ok, err := s.Get("runs", []byte("run_1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"status":"running"}`, string(v))

	_, ok, err = s.Get("runs", []byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_DeleteExists(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("runs", []byte("k"), []byte("v")))

	exists, err := s.Exists("runs", []byte("k"))
	require.NoError(t, err)
	assert.True(t, exists)

	removed, err := s.Delete("runs", []byte("k"))
	require.NoError(t, err)
	assert.True(t, removed)

	exists, err = s.Exists("runs", []byte("k"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_ScanOrderedByPrefix(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("events", []byte("event_run1_000002"), []byte("b")))
	require.NoError(t, s.Put("events", []byte("event_run1_000001"), []byte("a")))
	require.NoError(t, s.Put("events", []byte("event_run2_000001"), []byte("other")))

	var keys []string
	err := s.Scan("events", []byte("event_run1_"), func(key, value []byte) (bool, error) {
		keys = append(keys, string(key))
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"event_run1_000001", "event_run1_000002"}, keys)
}

func TestStore_TransactionAtomicity(t *testing.T) {
	s := openTestStore(t)

	err := s.Transaction(func(tx *Tx) error {
		require.NoError(t, tx.Put("runs", []byte("a"), []byte("1")))
		require.NoError(t, tx.Put("runs", []byte("b"), []byte("2")))
		return nil
	})
	require.NoError(t, err)

	_, ok, _ := s.Get("runs", []byte("a"))
	assert.True(t, ok)
	_, ok, _ = s.Get("runs", []byte("b"))
	assert.True(t, ok)
}

func TestStore_IsolationAcrossStores(t *testing.T) {
	sA := openTestStore(t)
	sB := openTestStore(t)

	require.NoError(t, sA.Put("llm_cache", []byte("k"), []byte("workspace-a-value")))

	_, ok, err := sB.Get("llm_cache", []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}
