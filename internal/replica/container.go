// Package replica owns the in-memory replicated state of open documents and
// the durable update log behind them.
package replica

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Container is the replicated state engine behind a document. It is a black
// box to the rest of the engine: merges must be commutative and idempotent,
// and State must produce a blob that any replica can apply as an update.
type Container interface {
	ApplyUpdate(update []byte) error
	Content() string
	State() []byte
	VersionVector() map[string]int64
}

// Factory produces an empty container for a newly opened document.
type Factory func() Container

// lwwOp is one keyed segment write inside an update payload.
type lwwOp struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Timestamp int64  `json:"ts"`
	Author    string `json:"author"`
	Counter   int64  `json:"counter"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// newerThan orders two writes to the same key. Timestamps win; equal
// timestamps tie-break on author id so every replica picks the same winner.
func (o lwwOp) newerThan(other lwwOp) bool {
	if o.Timestamp != other.Timestamp {
		return o.Timestamp > other.Timestamp
	}
	return o.Author > other.Author
}

// lwwContainer is the default Container: a last-writer-wins register per
// document segment. Updates are JSON arrays of segment writes.
type lwwContainer struct {
	segments map[string]lwwOp
	vector   map[string]int64
}

// NewLWWContainer returns an empty last-writer-wins container.
func NewLWWContainer() Container {
	return &lwwContainer{
		segments: make(map[string]lwwOp),
		vector:   make(map[string]int64),
	}
}

func (c *lwwContainer) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	var ops []lwwOp
	if err := json.Unmarshal(update, &ops); err != nil {
		return fmt.Errorf("decode update: %w", err)
	}
	for _, op := range ops {
		current, exists := c.segments[op.Key]
		if !exists || op.newerThan(current) {
			c.segments[op.Key] = op
		}
		if op.Counter > c.vector[op.Author] {
			c.vector[op.Author] = op.Counter
		}
	}
	return nil
}

func (c *lwwContainer) Content() string {
	keys := make([]string, 0, len(c.segments))
	for key, op := range c.segments {
		if op.Deleted {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, c.segments[key].Value)
	}
	return strings.Join(parts, "")
}

func (c *lwwContainer) State() []byte {
	keys := make([]string, 0, len(c.segments))
	for key := range c.segments {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	ops := make([]lwwOp, 0, len(keys))
	for _, key := range keys {
		ops = append(ops, c.segments[key])
	}
	blob, _ := json.Marshal(ops)
	return blob
}

func (c *lwwContainer) VersionVector() map[string]int64 {
	vector := make(map[string]int64, len(c.vector))
	for author, counter := range c.vector {
		vector[author] = counter
	}
	return vector
}

// EncodeSegmentWrite builds a single-segment update payload. Test and tooling
// helper; real clients ship their own container deltas.
func EncodeSegmentWrite(key, value, author string, timestamp, counter int64, deleted bool) []byte {
	blob, _ := json.Marshal([]lwwOp{{
		Key:       key,
		Value:     value,
		Timestamp: timestamp,
		Author:    author,
		Counter:   counter,
		Deleted:   deleted,
	}})
	return blob
}

// MergeUpdates folds several update payloads into one by replaying them into
// a scratch container, the way produceOutgoing coalesces pending updates.
func MergeUpdates(factory Factory, updates [][]byte) ([]byte, error) {
	scratch := factory()
	for _, update := range updates {
		if err := scratch.ApplyUpdate(update); err != nil {
			return nil, err
		}
	}
	return scratch.State(), nil
}
