// Package presence tracks who is active in each document via Redis.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one user's live state inside a document. Cursor and selection are
// optional; a heartbeat alone refreshes the entry without touching them.
type Entry struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	Cursor    *int      `json:"cursor,omitempty"`
	SelStart  *int      `json:"sel_start,omitempty"`
	SelEnd    *int      `json:"sel_end,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
	SessionID string    `json:"session_id"`
}

// Tracker keeps per-document presence in Redis: a sorted set of expiry
// deadlines plus a hash of entry payloads. Entries past their deadline are
// invisible to readers and reaped by Sweep.
type Tracker struct {
	client *redis.Client
	window time.Duration
	now    func() time.Time
}

func NewTracker(redisURL string, window time.Duration) (*Tracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewTrackerWithClient(client, window), nil
}

// NewTrackerWithClient builds a tracker from an existing Redis client.
func NewTrackerWithClient(client *redis.Client, window time.Duration) *Tracker {
	return &Tracker{client: client, window: window, now: time.Now}
}

func activeKey(docID string) string  { return "presence:doc:" + docID + ":active" }
func entriesKey(docID string) string { return "presence:doc:" + docID + ":entries" }

// Upsert records or refreshes a user's presence in a document. The deadline
// is pushed out one full window on every call.
func (t *Tracker) Upsert(ctx context.Context, docID string, entry Entry) error {
	entry.LastSeen = t.now()
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}

	deadline := t.now().Add(t.window).UnixMilli()
	pipe := t.client.Pipeline()
	pipe.ZAdd(ctx, activeKey(docID), redis.Z{Score: float64(deadline), Member: entry.UserID})
	pipe.HSet(ctx, entriesKey(docID), entry.UserID, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

// Remove drops a user from a document immediately, on explicit disconnect.
func (t *Tracker) Remove(ctx context.Context, docID, userID string) error {
	pipe := t.client.Pipeline()
	pipe.ZRem(ctx, activeKey(docID), userID)
	pipe.HDel(ctx, entriesKey(docID), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	return nil
}

// ActiveUsers returns every entry whose deadline has not passed. Expired
// members are ignored here and left for Sweep to reap.
func (t *Tracker) ActiveUsers(ctx context.Context, docID string) ([]Entry, error) {
	min := strconv.FormatInt(t.now().UnixMilli(), 10)
	userIDs, err := t.client.ZRangeByScore(ctx, activeKey(docID), &redis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list active members: %w", err)
	}
	if len(userIDs) == 0 {
		return []Entry{}, nil
	}

	payloads, err := t.client.HMGet(ctx, entriesKey(docID), userIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("load presence entries: %w", err)
	}
	entries := make([]Entry, 0, len(payloads))
	for i, payload := range payloads {
		raw, ok := payload.(string)
		if !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			log.Printf("presence: dropping malformed entry doc=%s user=%s: %v", docID, userIDs[i], err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Sweep reaps expired members across all documents and returns how many were
// removed. Runs periodically from the composition root.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	removed := 0
	cutoff := strconv.FormatInt(t.now().UnixMilli(), 10)
	iter := t.client.Scan(ctx, 0, "presence:doc:*:active", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		docID := strings.TrimSuffix(strings.TrimPrefix(key, "presence:doc:"), ":active")

		expired, err := t.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + cutoff,
		}).Result()
		if err != nil {
			return removed, fmt.Errorf("scan expired members: %w", err)
		}
		if len(expired) == 0 {
			continue
		}

		pipe := t.client.Pipeline()
		pipe.ZRem(ctx, key, toAny(expired)...)
		pipe.HDel(ctx, entriesKey(docID), expired...)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("reap expired members: %w", err)
		}
		removed += len(expired)
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan presence keys: %w", err)
	}
	return removed, nil
}

// Documents lists every document with at least one presence record.
func (t *Tracker) Documents(ctx context.Context) ([]string, error) {
	var docs []string
	iter := t.client.Scan(ctx, 0, "presence:doc:*:active", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		docs = append(docs, strings.TrimSuffix(strings.TrimPrefix(key, "presence:doc:"), ":active"))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}
	return docs, nil
}

func (t *Tracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *Tracker) Close() error {
	return t.client.Close()
}

func toAny(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
