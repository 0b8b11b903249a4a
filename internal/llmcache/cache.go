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

// Package llmcache implements the two-tier, content-addressed LLM
// response cache: a bounded in-memory LRU tier in front
// of a persistent tier in the Storage Engine. The persistent copy is
// authoritative; the in-memory copy is advisory.
package llmcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	writeiterrors "github.com/nibzard/writeit/pkg/errors"
	"github.com/nibzard/writeit/internal/store"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SubDB is the persistent tier's sub-database name.
const SubDB = "llm_cache"

// TokenUsage mirrors the LLM Client Facade's usage accounting.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Entry is a cached LLM response.
type Entry struct {
	Key            string     `json:"key"`
	Prompt         string     `json:"prompt"`
	Model          string     `json:"model"`
	Response       string     `json:"response"`
	TokensUsed     TokenUsage `json:"tokens_used"`
	CreatedAt      time.Time  `json:"created_at"`
	AccessedAt     time.Time  `json:"accessed_at"`
	AccessCount    int        `json:"access_count"`
	TTLSecs        int64      `json:"ttl_secs"`
	ContextDigest  string     `json:"context_digest"`
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.CreatedAt.Add(time.Duration(e.TTLSecs) * time.Second))
}

// Stats summarizes cache activity.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
	HitRate   float64
}

// Cache is the per-workspace two-tier facade. Callers must not reach
// past it into the Storage Engine directly.
type Cache struct {
	workspace  string
	store      *store.Store
	mem        *lru.Cache[string, *Entry]
	defaultTTL time.Duration

	mu                     sync.Mutex
	hits, misses, evicted  int64
}

// New constructs a Cache over st, scoped to workspace, with a memory
// tier bounded to memEntries (default 1000).
func New(st *store.Store, workspace string, memEntries int, defaultTTL time.Duration) (*Cache, error) {
	if memEntries <= 0 {
		memEntries = 1000
	}
	c := &Cache{workspace: workspace, store: st, defaultTTL: defaultTTL}

	mem, err := lru.NewWithEvict[string, *Entry](memEntries, func(key string, value *Entry) {
		c.mu.Lock()
		c.evicted++
		c.mu.Unlock()
	})
	if err != nil {
		return nil, writeiterrors.Wrap(err, "constructing in-memory cache tier")
	}
	c.mem = mem
	return c, nil
}

// Key computes the content-addressed cache key: the first 16 hex
// characters of SHA256(canonical_json({prompt, model, context,
// workspace})). Canonical JSON here means sorted map keys (Go's
// encoding/json already sorts map[string]any keys) and no insignificant
// whitespace, matching original_source/llm/cache.py's
// _generate_cache_key exactly.
func Key(prompt, model string, context map[string]any, workspace string) string {
	payload := map[string]any{
		"prompt":    strings.TrimSpace(prompt),
		"model":     model,
		"context":   context,
		"workspace": workspace,
	}
	// json.Marshal is deterministic for map[string]any: it always
	// sorts keys lexicographically, which is what makes C1 (key
	// stability under re-ordered context insertion) hold.
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// Get returns a cache entry if present and unexpired. The memory tier
// is checked first; on a memory miss the persistent tier is consulted
// and, if found, promoted into memory.
func (c *Cache) Get(prompt, model string, context map[string]any) (*Entry, bool, error) {
	key := Key(prompt, model, context, c.workspace)
	now := time.Now().UTC()

	if entry, ok := c.mem.Get(key); ok {
		if entry.expired(now) {
			c.mem.Remove(key)
			_, _ = c.store.Delete(SubDB, []byte(cacheStoreKey(key)))
			c.recordMiss()
			return nil, false, nil
		}
		entry.AccessedAt = now
		entry.AccessCount++
		c.persist(entry)
		c.recordHit()
		return entry, true, nil
	}

	raw, ok, err := c.store.Get(SubDB, []byte(cacheStoreKey(key)))
	if err != nil {
		return nil, false, writeiterrors.Wrap(err, "reading persistent cache tier")
	}
	if !ok {
		c.recordMiss()
		return nil, false, nil
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, writeiterrors.Wrap(err, "decoding cache entry")
	}
	if entry.expired(now) {
		_, _ = c.store.Delete(SubDB, []byte(cacheStoreKey(key)))
		c.recordMiss()
		return nil, false, nil
	}

	entry.AccessedAt = now
	entry.AccessCount++
	c.mem.Add(key, &entry)
	c.persist(&entry)
	c.recordHit()
	return &entry, true, nil
}

// Put writes a response into both tiers. ttl defaults to the cache's
// configured default when zero is not an explicit intent; callers that
// want an immediately-expiring entry (C2) must pass ttl=0 deliberately
// via PutWithTTL.
func (c *Cache) Put(prompt, model string, context map[string]any, response string, tokens TokenUsage) (string, error) {
	return c.PutWithTTL(prompt, model, context, response, tokens, c.defaultTTL)
}

// PutWithTTL is Put with an explicit TTL, including zero (expire
// immediately, per C2).
func (c *Cache) PutWithTTL(prompt, model string, context map[string]any, response string, tokens TokenUsage, ttl time.Duration) (string, error) {
	key := Key(prompt, model, context, c.workspace)
	now := time.Now().UTC()

	digestInput, _ := json.Marshal(context)
	digest := sha256.Sum256(digestInput)

	entry := &Entry{
		Key:           key,
		Prompt:        prompt,
		Model:         model,
		Response:      response,
		TokensUsed:    tokens,
		CreatedAt:     now,
		AccessedAt:    now,
		AccessCount:   1,
		TTLSecs:       int64(ttl / time.Second),
		ContextDigest: hex.EncodeToString(digest[:]),
	}

	c.persist(entry)
	c.mem.Add(key, entry)
	return key, nil
}

func (c *Cache) persist(entry *Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = c.store.Put(SubDB, []byte(cacheStoreKey(entry.Key)), data)
}

// Invalidate removes a specific entry from both tiers.
func (c *Cache) Invalidate(prompt, model string, context map[string]any) (bool, error) {
	key := Key(prompt, model, context, c.workspace)
	_ = c.mem.Remove(key)
	removed, err := c.store.Delete(SubDB, []byte(cacheStoreKey(key)))
	if err != nil {
		return false, writeiterrors.Wrap(err, "invalidating cache entry")
	}
	return removed, nil
}

// Clear drops every entry this workspace's cache holds and returns the
// count dropped. Used only for explicit operator-triggered resets.
func (c *Cache) Clear() (int, error) {
	dropped := c.mem.Len()
	c.mem.Purge()

	var keys [][]byte
	err := c.store.Scan(SubDB, []byte("llm_cache_"), func(key, value []byte) (bool, error) {
		keys = append(keys, append([]byte(nil), key...))
		return true, nil
	})
	if err != nil {
		return dropped, writeiterrors.Wrap(err, "scanning persistent cache tier")
	}
	for _, k := range keys {
		if _, err := c.store.Delete(SubDB, k); err != nil {
			return dropped, writeiterrors.Wrap(err, "clearing persistent cache tier")
		}
	}

	c.mu.Lock()
	c.hits, c.misses, c.evicted = 0, 0, 0
	c.mu.Unlock()

	return dropped, nil
}

// Stats reports cumulative cache activity for this workspace's cache.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evicted,
		Entries:   c.mem.Len(),
		HitRate:   rate,
	}
}

func (c *Cache) recordHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

func (c *Cache) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

func cacheStoreKey(key string) string {
	return fmt.Sprintf("llm_cache_%s", key)
}
