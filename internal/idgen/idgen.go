// Package idgen mints prefixed entity identifiers and monotonic
// millisecond timestamps.
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

// Domain prefixes for minted IDs.
const (
	DomainTask       = "task"
	DomainKnowledge  = "know"
	DomainProject    = "proj"
	DomainNote       = "note"
	DomainCitation   = "cite"
	DomainTx         = "tx"
	DomainTrace      = "trace"
	DomainConnection = "conn"
	DomainEvent      = "evt"
)

// IDLength is the number of base36 characters after the prefix.
// 12 chars of base36 carry ~62 bits; collision probability within a
// process lifetime is negligible.
const IDLength = 12

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewID mints an id of the form <domain>_<12 base36 chars>.
func NewID(domain string) string {
	var entropy [16]byte
	if _, err := rand.Read(entropy[:]); err != nil {
		// crypto/rand failing is unrecoverable; fall back to a
		// time-derived hash rather than returning an error from
		// every mint site.
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", domain, time.Now().UnixNano())))
		copy(entropy[:], sum[:16])
	}
	return domain + "_" + encodeBase36(entropy[:], IDLength)
}

// encodeBase36 maps hash bytes onto base36 characters.
func encodeBase36(data []byte, length int) string {
	sum := sha256.Sum256(data)
	out := make([]byte, length)
	for i := 0; i < length; i++ {
		out[i] = base36[int(sum[i])%len(base36)]
	}
	return string(out)
}

// Clock supplies millisecond timestamps that never move backwards
// within a process: a non-monotonic reading clamps to previous+1.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock returns a Clock backed by time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockAt returns a Clock backed by a custom time source, for tests.
func NewClockAt(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// NowMillis returns monotonic milliseconds since the Unix epoch.
func (c *Clock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := c.now().UnixMilli()
	if ms <= c.last {
		ms = c.last + 1
	}
	c.last = ms
	return ms
}

// Now returns the monotonic reading as a time.Time.
func (c *Clock) Now() time.Time {
	return time.UnixMilli(c.NowMillis()).UTC()
}
