package cache

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Canonicaler is implemented by anything with an order-preserving canonical
// encoding, such as a materialized query descriptor.
type Canonicaler interface {
	Canonical() string
}

// Key identifies one cached result. Hash indexes the store; Canonical is
// kept so that a hash collision is detected instead of served.
type Key struct {
	Hash      uint64
	Canonical string
}

// KeyFor derives the key for a query issued against a schema version and
// data epoch. Any change to either moves the query to a fresh key.
func KeyFor(q Canonicaler, schemaVersion, epoch uint64) Key {
	var sb strings.Builder
	sb.WriteString("v")
	sb.WriteString(strconv.FormatUint(schemaVersion, 10))
	sb.WriteString("/e")
	sb.WriteString(strconv.FormatUint(epoch, 10))
	sb.WriteString("/")
	sb.WriteString(q.Canonical())

	canonical := sb.String()
	return Key{Hash: xxhash.Sum64String(canonical), Canonical: canonical}
}

// String returns the hash in hex, suitable for logs
func (k Key) String() string {
	return strconv.FormatUint(k.Hash, 16)
}
