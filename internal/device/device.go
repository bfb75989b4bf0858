// Package device implements the Device Classifier: a hybrid enum/string
// classifier that normalizes free-form device tokens into a bounded domain
// and records unknown tokens for human review.
package device

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pulsehub/profile-engine/internal/pulseerr"
	"github.com/pulsehub/profile-engine/internal/store"
	"github.com/pulsehub/profile-engine/pkg/metrics"
)

// Class is the bounded device classification variant.
type Class string

const (
	Mobile  Class = "MOBILE"
	Desktop Class = "DESKTOP"
	Tablet  Class = "TABLET"
	SmartTV Class = "SMART_TV"
	Other   Class = "OTHER"
	Unknown Class = "UNKNOWN"
)

// Valid reports whether c is one of the bounded variants.
func (c Class) Valid() bool {
	switch c {
	case Mobile, Desktop, Tablet, SmartTV, Other, Unknown:
		return true
	default:
		return false
	}
}

// reviewSetKey is the single process-wide namespace for unknown device
// tokens; survives process restarts because it's store-backed.
const reviewSetKey = "pulsehub:device:unknown_review_set"

// defaultMappings seeds the classifier with the built-in lower-cased
// token -> Class table. Mappings are extensible at runtime via AddMapping.
func defaultMappings() map[string]Class {
	return map[string]Class{
		"iphone":      Mobile,
		"android":     Mobile,
		"android phone": Mobile,
		"ipad":        Tablet,
		"android tablet": Tablet,
		"tablet":      Tablet,
		"windows":     Desktop,
		"macos":       Desktop,
		"mac":         Desktop,
		"linux":       Desktop,
		"chromebook":  Desktop,
		"smart-tv":    SmartTV,
		"smarttv":     SmartTV,
		"roku":        SmartTV,
		"apple tv":    SmartTV,
		"android tv":  SmartTV,
		"fire tv":     SmartTV,
	}
}

// Classifier is the process-wide Device Classifier. The mapping table is
// guarded by a read-biased RWMutex so concurrent lookups share the read lock
// while writes are serialized; the unknown-token review set is delegated to a
// store.PlainSet so it survives process restarts.
type Classifier struct {
	mu       sync.RWMutex
	mappings map[string]Class

	reviewSet store.PlainSet
	logger    *slog.Logger
	metrics   *metrics.DeviceMetrics
}

// New creates a Classifier seeded with built-in defaults.
func New(reviewSet store.PlainSet, logger *slog.Logger, m *metrics.DeviceMetrics) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{
		mappings:  defaultMappings(),
		reviewSet: reviewSet,
		logger:    logger,
		metrics:   m,
	}
	if m != nil {
		m.MappingsActive.Set(float64(len(c.mappings)))
	}
	return c
}

func normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Classify maps a raw free-form device token to a bounded Class. An absent
// or blank token returns Unknown without auditing. A miss against the
// mapping table records the raw token into the unknown-device review set on
// a best-effort basis: a review-set write failure is logged, never
// propagated, and never changes the returned Class.
func (c *Classifier) Classify(ctx context.Context, raw *string) Class {
	if raw == nil {
		return Unknown
	}
	token := normalize(*raw)
	if token == "" {
		return Unknown
	}

	c.mu.RLock()
	class, known := c.mappings[token]
	c.mu.RUnlock()

	if known {
		if c.metrics != nil {
			c.metrics.ClassifiedTotal.WithLabelValues(string(class)).Inc()
		}
		return class
	}

	c.recordUnknown(ctx, *raw)
	if c.metrics != nil {
		c.metrics.ClassifiedTotal.WithLabelValues(string(Unknown)).Inc()
		c.metrics.UnknownTotal.Inc()
	}
	return Unknown
}

func (c *Classifier) recordUnknown(ctx context.Context, token string) {
	if c.reviewSet == nil {
		return
	}
	if err := c.reviewSet.Add(ctx, reviewSetKey, token); err != nil {
		c.logger.Warn("device classifier: failed to record unknown token for review",
			"token", token, "error", err)
		return
	}
	if c.metrics != nil {
		if size, sizeErr := c.reviewSet.Size(ctx, reviewSetKey); sizeErr == nil {
			c.metrics.ReviewSetSize.Set(float64(size))
		}
	}
}

// ClassifyBatch classifies a set of raw tokens, returning a map keyed by the
// original (unnormalized) input string.
func (c *Classifier) ClassifyBatch(ctx context.Context, raws []string) map[string]Class {
	out := make(map[string]Class, len(raws))
	for _, raw := range raws {
		r := raw
		out[raw] = c.Classify(ctx, &r)
	}
	return out
}

// AddMapping registers (or overrides) a raw-token -> Class mapping at
// runtime. raw is normalized before storage. Fails with ErrInvalidArgument
// if variant is not one of the bounded Class values, if variant is Unknown,
// or if raw is blank.
func (c *Classifier) AddMapping(raw string, variant Class) error {
	if !variant.Valid() || variant == Unknown {
		return pulseerr.Invalid("add_mapping: %q is not a classifiable device variant", variant)
	}
	token := normalize(raw)
	if token == "" {
		return pulseerr.Invalid("add_mapping: raw token must not be empty")
	}

	c.mu.Lock()
	c.mappings[token] = variant
	size := len(c.mappings)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.MappingsActive.Set(float64(size))
	}
	return nil
}

// CurrentMappings returns a snapshot copy of the live mapping table.
func (c *Classifier) CurrentMappings() map[string]Class {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Class, len(c.mappings))
	for k, v := range c.mappings {
		out[k] = v
	}
	return out
}

// IsKnown reports whether raw (after normalization) has a mapping.
func (c *Classifier) IsKnown(raw string) bool {
	token := normalize(raw)
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, known := c.mappings[token]
	return known
}

// GetUnknowns returns the current contents of the unknown-device review set.
func (c *Classifier) GetUnknowns(ctx context.Context) ([]string, error) {
	if c.reviewSet == nil {
		return nil, nil
	}
	return c.reviewSet.Members(ctx, reviewSetKey)
}

// ClearUnknowns empties the unknown-device review set, typically after an
// operator has triaged it into new mappings via AddMapping.
func (c *Classifier) ClearUnknowns(ctx context.Context) error {
	if c.reviewSet == nil {
		return nil
	}
	members, err := c.reviewSet.Members(ctx, reviewSetKey)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	if err := c.reviewSet.Remove(ctx, reviewSetKey, members...); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.ReviewSetSize.Set(0)
	}
	return nil
}
