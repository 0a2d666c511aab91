// Package wb implements the whiteboard event fabric: one append-only Redis
// stream per user plus the input and control streams that feed the
// subagents.
//
// Key properties:
//   - Appends to a user's whiteboard are totally ordered; the stream ID
//     assigned at append is the event's identity everywhere downstream.
//   - Readers resume from any previously observed ID and receive every later
//     event at least once; consumers deduplicate via checkpoints.
//   - Streams are trimmed approximately (MAXLEN ~) on append, so the
//     whiteboard is a recent window, not an archive.
//
// Values are stored as flat field/value pairs. Container values (maps,
// slices) are JSON-encoded into their field on append and decoded again on
// read; scalars travel as strings and are coerced by the normalizer.
package wb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thegaltinator/alfred-cloud/pkg/metrics"
)

// Defaults for the fabric's tunables (overridable via BusOption).
const (
	DefaultMaxLenApprox = 1000
	DefaultBatchCount   = 50
	DefaultBlock        = 5 * time.Second
)

// ErrMissingThreadID rejects whiteboard appends without a thread identity.
var ErrMissingThreadID = errors.New("thread_id is required")

// Event is one immutable whiteboard entry as observed by a reader.
type Event struct {
	ID       string         // stream ID assigned at append, "<ms>-<seq>"
	Stream   string         // stream key the entry was read from
	UserID   string         // owner of the stream
	ThreadID string         // from values["thread_id"]; may be empty on input streams
	Values   map[string]any // decoded field map, includes "type" and "ts"
}

// Type returns the entry's type discriminator (values["type"], falling back
// to values["kind"]).
func (e Event) Type() string {
	if t, ok := e.Values["type"].(string); ok && t != "" {
		return t
	}
	t, _ := e.Values["kind"].(string)
	return t
}

// Timestamp parses the entry's "ts" value when present.
func (e Event) Timestamp() (time.Time, bool) {
	raw, ok := e.Values["ts"].(string)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Appender is the write side of the fabric.
type Appender interface {
	// Append writes one whiteboard entry for (userID, threadID) and returns
	// the assigned stream ID. ts and thread_id are stamped if absent.
	Append(ctx context.Context, userID, threadID string, values map[string]any) (string, error)
	// AppendTo writes to an arbitrary stream key (input/control streams).
	AppendTo(ctx context.Context, stream string, values map[string]any) (string, error)
}

// Tailer is the read side of the fabric.
type Tailer interface {
	// Tail blocks up to the configured interval for entries strictly after
	// afterID and returns at most one batch plus the highest ID observed.
	// An empty afterID tails only entries appended after the call begins.
	Tail(ctx context.Context, userID, afterID string) ([]Event, string, error)
	// ReadRange returns up to count entries strictly after afterID without
	// blocking. An empty afterID reads from the start of the retained window.
	ReadRange(ctx context.Context, userID, afterID string, count int64) ([]Event, error)
}

// Whiteboard combines both sides of the fabric.
type Whiteboard interface {
	Appender
	Tailer
}

// Bus is the Redis-streams implementation of the fabric.
type Bus struct {
	client *redis.Client
	maxLen int64
	batch  int64
	block  time.Duration
	logger *slog.Logger
	now    func() time.Time
}

var _ Whiteboard = (*Bus)(nil)

// BusOption customizes a Bus.
type BusOption func(*Bus)

// WithMaxLen overrides the approximate per-stream retention cap.
func WithMaxLen(n int64) BusOption {
	return func(b *Bus) { b.maxLen = n }
}

// WithBatchCount overrides the per-tail batch size.
func WithBatchCount(n int64) BusOption {
	return func(b *Bus) { b.batch = n }
}

// WithBlock overrides the tail blocking interval.
func WithBlock(d time.Duration) BusOption {
	return func(b *Bus) { b.block = d }
}

// NewBus creates a fabric over an existing Redis client.
func NewBus(client *redis.Client, opts ...BusOption) *Bus {
	b := &Bus{
		client: client,
		maxLen: DefaultMaxLenApprox,
		batch:  DefaultBatchCount,
		block:  DefaultBlock,
		logger: slog.With("component", "wb"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Append writes one whiteboard entry and returns its stream ID.
func (b *Bus) Append(ctx context.Context, userID, threadID string, values map[string]any) (string, error) {
	if strings.TrimSpace(threadID) == "" {
		return "", ErrMissingThreadID
	}
	stamped := make(map[string]any, len(values)+2)
	for k, v := range values {
		stamped[k] = v
	}
	if _, ok := stamped["thread_id"]; !ok {
		stamped["thread_id"] = threadID
	}
	return b.AppendTo(ctx, WBKey(userID), stamped)
}

// AppendTo writes one entry to an arbitrary stream (input or control
// channels). thread_id is the caller's concern here; only ts is stamped.
func (b *Bus) AppendTo(ctx context.Context, stream string, values map[string]any) (string, error) {
	stamped := make(map[string]any, len(values)+1)
	for k, v := range values {
		stamped[k] = v
	}
	if _, ok := stamped["ts"]; !ok {
		stamped["ts"] = b.now().UTC().Format(time.RFC3339Nano)
	}
	encoded, err := encodeValues(stamped)
	if err != nil {
		return "", fmt.Errorf("failed to encode values for %s: %w", stream, err)
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: encoded,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to %s: %w", stream, err)
	}
	metrics.StreamAppends.WithLabelValues(StreamKind(stream)).Inc()
	return id, nil
}

// Tail blocks up to the configured interval for entries strictly after
// afterID on the user's whiteboard. The returned next ID is either the
// highest observed entry or, when nothing arrived, the resolved starting
// position; passing it back yields every later event exactly once.
func (b *Bus) Tail(ctx context.Context, userID, afterID string) ([]Event, string, error) {
	stream := WBKey(userID)
	start := afterID
	if start == "" {
		// Resolve "$" to a concrete ID once so entries appended between
		// tail calls are not skipped.
		last, err := b.lastGeneratedID(ctx, stream)
		if err != nil {
			return nil, "", err
		}
		start = last
	}

	res, err := b.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, start},
		Count:   b.batch,
		Block:   b.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, start, nil // block interval elapsed, nothing new
		}
		return nil, "", fmt.Errorf("failed to tail %s: %w", stream, err)
	}

	events := make([]Event, 0, b.batch)
	next := start
	for _, str := range res {
		for _, msg := range str.Messages {
			events = append(events, eventFromMessage(stream, NormalizeUser(userID), msg))
			next = msg.ID
		}
	}
	return events, next, nil
}

// ReadRange returns up to count entries strictly after afterID without
// blocking. Used by the subscriber endpoints for replay.
func (b *Bus) ReadRange(ctx context.Context, userID, afterID string, count int64) ([]Event, error) {
	stream := WBKey(userID)
	start := "-"
	if afterID != "" {
		start = "(" + afterID
	}
	if count <= 0 {
		count = b.batch
	}
	msgs, err := b.client.XRangeN(ctx, stream, start, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read range of %s: %w", stream, err)
	}
	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, eventFromMessage(stream, NormalizeUser(userID), msg))
	}
	return events, nil
}

func (b *Bus) lastGeneratedID(ctx context.Context, stream string) (string, error) {
	info, err := b.client.XInfoStream(ctx, stream).Result()
	if err != nil {
		if isNoSuchKey(err) {
			return "0-0", nil
		}
		return "", fmt.Errorf("failed to inspect %s: %w", stream, err)
	}
	return info.LastGeneratedID, nil
}

func isNoSuchKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such key")
}

func eventFromMessage(stream, userID string, msg redis.XMessage) Event {
	values := decodeValues(msg.Values)
	threadID, _ := values["thread_id"].(string)
	return Event{
		ID:       msg.ID,
		Stream:   stream,
		UserID:   userID,
		ThreadID: threadID,
		Values:   values,
	}
}

// encodeValues flattens a value map for stream storage. Scalars pass
// through; time.Time becomes RFC3339Nano; containers are JSON-encoded.
func encodeValues(values map[string]any) (map[string]any, error) {
	enc := make(map[string]any, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case nil:
			enc[k] = ""
		case string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
			enc[k] = val
		case time.Time:
			enc[k] = val.UTC().Format(time.RFC3339Nano)
		case []byte:
			enc[k] = string(val)
		default:
			raw, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("value %q is not representable: %w", k, err)
			}
			enc[k] = string(raw)
		}
	}
	return enc, nil
}

// DecodeValues reverses the wire encoding for callers that read stream
// entries outside the bus (consumer-group readers).
func DecodeValues(raw map[string]any) map[string]any {
	return decodeValues(raw)
}

// decodeValues reverses encodeValues. Strings that look like JSON
// containers are decoded; everything else stays a string.
func decodeValues(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		if len(s) > 0 && (s[0] == '{' || s[0] == '[') {
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				out[k] = decoded
				continue
			}
		}
		out[k] = s
	}
	return out
}
