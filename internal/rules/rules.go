// Package rules is the merchant-name intelligence cache: a mapping from
// normalized merchant names to the category, frequency and type the user
// last confirmed for that merchant. Entries are learned only on explicit
// save, never from raw AI suggestions, so the cache reflects user truth and
// always wins over fresh model inference.
package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finboard/internal/domain"
)

// DefaultKey is the key-value slot the serialized rule map lives under.
// The name predates this implementation and is kept for data compatibility.
const DefaultKey = "intelligenceCache"

// Names shorter than this are too ambiguous to learn a rule from.
const minNameLen = 3

// Entry is one learned rule.
type Entry struct {
	Category  string             `json:"category"`
	Frequency domain.Frequency   `json:"frequency"`
	IsIncome  bool               `json:"isIncome"`
	Type      domain.ExpenseType `json:"type,omitempty"`
}

// Kind derives the collection tag from the rule.
func (e Entry) Kind() domain.Kind {
	if e.IsIncome {
		return domain.KindIncome
	}
	return domain.KindExpense
}

// KV is the slice of the key-value store the cache needs.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Cache holds the rule map in memory and writes it through to the KV store
// on every learn. Lookup is synchronous and never touches the network, so
// callers can consult it before deciding whether an AI call is needed.
type Cache struct {
	kv      KV
	key     string
	entries map[string]Entry
	log     zerolog.Logger
}

// Load builds a cache from the KV store. A missing key starts empty; an
// unparseable value is logged and discarded rather than failing the session.
func Load(ctx context.Context, kv KV, logger zerolog.Logger) *Cache {
	c := &Cache{
		kv:      kv,
		key:     DefaultKey,
		entries: make(map[string]Entry),
		log:     logger,
	}

	raw, ok, err := kv.Get(ctx, c.key)
	if err != nil {
		c.log.Warn().Err(err).Msg("rule cache unreadable, starting empty")
		return c
	}
	if !ok {
		return c
	}
	if err := json.Unmarshal([]byte(raw), &c.entries); err != nil {
		c.log.Warn().Err(err).Msg("rule cache corrupt, starting empty")
		c.entries = make(map[string]Entry)
	}
	return c
}

// Lookup returns the learned rule for a merchant name, matched
// case-insensitively on the trimmed name.
func (c *Cache) Lookup(name string) (Entry, bool) {
	e, ok := c.entries[domain.NormalizeName(name)]
	return e, ok
}

// Learn records a user-confirmed rule and persists the cache. Names shorter
// than three characters are skipped. The entry's category is sanitized
// against the vocabulary matching its kind before it is stored.
func (c *Cache) Learn(ctx context.Context, name string, e Entry) error {
	key := domain.NormalizeName(name)
	if len(key) < minNameLen {
		return nil
	}
	e.Category = domain.SanitizeCategory(e.Kind(), e.Category)

	c.entries[key] = e

	raw, err := json.Marshal(c.entries)
	if err != nil {
		return fmt.Errorf("rules: marshal cache: %w", err)
	}
	if err := c.kv.Set(ctx, c.key, string(raw)); err != nil {
		return fmt.Errorf("rules: persist cache: %w", err)
	}
	c.log.Debug().Str("merchant", key).Str("category", e.Category).Msg("rule learned")
	return nil
}

// Len reports how many rules are cached.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Entries returns a copy of the rule map, keyed by normalized merchant
// name. Used to feed known rules into the extraction prompt.
func (c *Cache) Entries() map[string]Entry {
	out := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}
