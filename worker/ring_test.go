package worker

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func ownerOf(members []string, resourceID string) string {
	for _, m := range members {
		if Owns(m, members, resourceID) {
			return m
		}
	}
	return ""
}

func TestOwnershipTotality(t *testing.T) {
	var rng = rand.New(rand.NewSource(42))

	for trial := 0; trial < 20; trial++ {
		var members []string
		for i := 0; i < 1+rng.Intn(9); i++ {
			members = append(members, fmt.Sprintf("worker-%d-%d", trial, i))
		}
		for v := 0; v < 50; v++ {
			var vid = fmt.Sprintf("vehicle-%d-%d", trial, v)
			var owners int
			for _, m := range members {
				if Owns(m, members, vid) {
					owners++
				}
			}
			require.Equal(t, 1, owners, "vehicle %s must have exactly one owner", vid)
		}
	}
}

func TestOwnershipIgnoresInputOrder(t *testing.T) {
	var members = []string{"a", "b", "c", "d", "e"}
	var shuffled = []string{"d", "a", "e", "c", "b"}

	for v := 0; v < 100; v++ {
		var vid = fmt.Sprintf("vehicle-%d", v)
		require.Equal(t, ownerOf(members, vid), ownerOf(shuffled, vid))
	}
}

func TestMinimalReassignmentOnJoin(t *testing.T) {
	var members = []string{"w1", "w2", "w3"}
	var joined = append(append([]string{}, members...), "w4")

	var moved, total int
	for v := 0; v < 500; v++ {
		var vid = fmt.Sprintf("vehicle-%d", v)
		var before = ownerOf(members, vid)
		var after = ownerOf(joined, vid)
		total++
		if before != after {
			moved++
			// A vehicle may only move to the new member.
			require.Equal(t, "w4", after, "vehicle %s moved to a pre-existing member", vid)
		}
	}
	// In expectation |V|/(n+1) = 125 vehicles move; allow generous slack.
	require.Greater(t, moved, 0)
	require.Less(t, moved, total/2)
}

func TestRingWraparound(t *testing.T) {
	var members = []string{"w1", "w2", "w3"}

	// Find the member with the smallest hash, and a vehicle id hashing
	// beyond every member's point: it must wrap to that smallest member.
	var lowest = members[0]
	var lowestHash = md5.Sum([]byte(lowest))
	var highestHash = lowestHash
	for _, m := range members[1:] {
		var h = md5.Sum([]byte(m))
		if bytes.Compare(h[:], lowestHash[:]) < 0 {
			lowest, lowestHash = m, h
		}
		if bytes.Compare(h[:], highestHash[:]) > 0 {
			highestHash = h
		}
	}

	var found bool
	for v := 0; v < 10000 && !found; v++ {
		var vid = fmt.Sprintf("wrap-%d", v)
		var h = md5.Sum([]byte(vid))
		if bytes.Compare(h[:], highestHash[:]) > 0 {
			found = true
			require.Equal(t, lowest, ownerOf(members, vid))
		}
	}
	require.True(t, found, "no vehicle id hashed past the highest member point")
}

func TestOwnsEmptyMembership(t *testing.T) {
	require.False(t, Owns("w1", nil, "v1"))
}

func TestSingleMemberOwnsEverything(t *testing.T) {
	for v := 0; v < 20; v++ {
		require.True(t, Owns("only", []string{"only"}, fmt.Sprintf("vehicle-%d", v)))
	}
}
