package worker

import (
	"bytes"
	"crypto/md5"
	"sort"
)

// Ownership of vehicles is decided by consistent hashing over the live
// membership: each member maps to one point on a ring keyed by the MD5 of
// its id (interpreted as an unsigned 128-bit big-endian integer), and a
// vehicle belongs to the first member at or after the vehicle's own point,
// wrapping around. The decision is a pure function of (membership, id), so
// every worker with the same membership view reaches the same answer.

type ringEntry struct {
	hash [md5.Size]byte
	id   string
}

// Owns reports whether self owns resourceID under the given membership.
// The members order is irrelevant; ties between identical hashes are broken
// by raw byte ordering of the ids so the ring is identical on all nodes.
func Owns(self string, members []string, resourceID string) bool {
	if len(members) == 0 {
		return false
	}

	var ring = make([]ringEntry, 0, len(members))
	for _, m := range members {
		ring = append(ring, ringEntry{hash: md5.Sum([]byte(m)), id: m})
	}
	sort.Slice(ring, func(i, j int) bool {
		if c := bytes.Compare(ring[i].hash[:], ring[j].hash[:]); c != 0 {
			return c < 0
		}
		return ring[i].id < ring[j].id
	})

	var h = md5.Sum([]byte(resourceID))
	var owner = ring[0] // wrap-around default
	for _, e := range ring {
		if bytes.Compare(e.hash[:], h[:]) >= 0 {
			owner = e
			break
		}
	}
	return owner.id == self
}
