package filters

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/glimte/servicebus/contracts"
)

// ErrMissingMessageID is returned by the deduplication filters when a message
// carries no MessageId to key on.
var ErrMissingMessageID = errors.New("message has no MessageId header")

// DuplicateDetector remembers processed message keys
type DuplicateDetector interface {
	IsDuplicate(ctx context.Context, key uint64) (bool, error)
	MarkProcessed(ctx context.Context, key uint64) error
}

// MessageKey hashes the identity of a message for duplicate detection.
func MessageKey(typeName, messageID string) uint64 {
	return xxhash.Sum64String(typeName + "/" + messageID)
}

// SkipDuplicates is a before filter that vetoes messages the detector has
// already seen.
func SkipDuplicates(detector DuplicateDetector) Filter {
	return FilterFunc(func(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, bus Bus) (bool, error) {
		if headers.MessageID == "" {
			return false, ErrMissingMessageID
		}
		dup, err := detector.IsDuplicate(ctx, MessageKey(typeName, headers.MessageID))
		if err != nil {
			return false, err
		}
		return !dup, nil
	})
}

// MarkProcessed is an after filter that records a message as handled. It
// never vetoes.
func MarkProcessed(detector DuplicateDetector) Filter {
	return FilterFunc(func(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, bus Bus) (bool, error) {
		if headers.MessageID == "" {
			return false, ErrMissingMessageID
		}
		if err := detector.MarkProcessed(ctx, MessageKey(typeName, headers.MessageID)); err != nil {
			return false, err
		}
		return true, nil
	})
}

const dedupShards = 16

type dedupShard struct {
	mu   sync.Mutex
	seen map[uint64]time.Time
}

// MemoryDuplicateDetector keeps processed keys in memory until they expire.
type MemoryDuplicateDetector struct {
	ttl    time.Duration
	now    func() time.Time
	shards [dedupShards]*dedupShard
}

// NewMemoryDuplicateDetector creates a detector whose entries live for ttl
func NewMemoryDuplicateDetector(ttl time.Duration) *MemoryDuplicateDetector {
	if ttl <= 0 {
		ttl = time.Hour
	}
	d := &MemoryDuplicateDetector{ttl: ttl, now: time.Now}
	for i := range d.shards {
		d.shards[i] = &dedupShard{seen: make(map[uint64]time.Time)}
	}
	return d
}

func (d *MemoryDuplicateDetector) shard(key uint64) *dedupShard {
	return d.shards[key%dedupShards]
}

// IsDuplicate implements DuplicateDetector
func (d *MemoryDuplicateDetector) IsDuplicate(ctx context.Context, key uint64) (bool, error) {
	s := d.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	expires, ok := s.seen[key]
	if !ok {
		return false, nil
	}
	if d.now().After(expires) {
		delete(s.seen, key)
		return false, nil
	}
	return true, nil
}

// MarkProcessed implements DuplicateDetector
func (d *MemoryDuplicateDetector) MarkProcessed(ctx context.Context, key uint64) error {
	s := d.shard(key)
	s.mu.Lock()
	s.seen[key] = d.now().Add(d.ttl)
	s.mu.Unlock()
	return nil
}

// Purge drops expired entries and returns how many were removed.
func (d *MemoryDuplicateDetector) Purge() int {
	now := d.now()
	removed := 0
	for _, s := range d.shards {
		s.mu.Lock()
		for k, exp := range s.seen {
			if now.After(exp) {
				delete(s.seen, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
