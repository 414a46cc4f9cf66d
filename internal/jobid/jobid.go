// Package jobid allocates job identifiers of the form "<unix-ms>_<fingerprint>".
//
// The timestamp keeps identifiers sortable and distinct across calls: a
// Generator never hands out the same millisecond twice, so two requests for the
// same resource landing in one clock tick still get separate ids. The
// fingerprint is derived from the resource reference so retries of the same
// resource can be correlated by name.
package jobid

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// FingerprintLen is the number of hex characters kept from the hash.
const FingerprintLen = 8

// Parts is a decoded job identifier.
type Parts struct {
	Timestamp   time.Time
	Fingerprint string
}

// Generator builds identifiers from an injectable clock. Timestamps it issues
// are strictly increasing; when the clock has not advanced past the previous
// id the timestamp is bumped by one millisecond.
type Generator struct {
	Now func() time.Time

	mu   sync.Mutex
	last int64
}

var defaultGenerator = &Generator{}

// Next returns a new identifier for ref.
func (g *Generator) Next(ref string) string {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	ms := now().UnixMilli()

	g.mu.Lock()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	g.mu.Unlock()

	return strconv.FormatInt(ms, 10) + "_" + Fingerprint(ref)
}

// New returns a new identifier for ref using the wall clock.
func New(ref string) string {
	return defaultGenerator.Next(ref)
}

// Fingerprint returns the first FingerprintLen hex characters of the BLAKE3
// digest of ref. It is a namespacing aid, not a security boundary.
func Fingerprint(ref string) string {
	sum := blake3.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:])[:FingerprintLen]
}

// Parse splits id into its timestamp and fingerprint.
func Parse(id string) (Parts, error) {
	ts, fp, ok := strings.Cut(id, "_")
	if !ok {
		return Parts{}, fmt.Errorf("job id %q: missing separator", id)
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || ms < 0 {
		return Parts{}, fmt.Errorf("job id %q: invalid timestamp", id)
	}
	if len(fp) != FingerprintLen {
		return Parts{}, fmt.Errorf("job id %q: fingerprint must be %d characters", id, FingerprintLen)
	}
	if _, err := hex.DecodeString(fp); err != nil {
		return Parts{}, fmt.Errorf("job id %q: fingerprint is not hex", id)
	}
	return Parts{Timestamp: time.UnixMilli(ms), Fingerprint: fp}, nil
}
