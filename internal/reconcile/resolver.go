// Package reconcile decides which of two reading-progress records is authoritative.
//
// The decision is a strict last-write-wins on ProgressRecord.LastReadAt. It is used
// by the sync endpoint (client record against the stored one) and by the device
// (local record against the record returned by the endpoint).
package reconcile

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/jangji/backend/internal/models"
)

// Policy selects how bookmarks are reconciled
type Policy int

const (
	// PolicyLastWriteWins replaces the whole record, bookmarks included, with the newer side.
	PolicyLastWriteWins Policy = iota
	// PolicyMergeBookmarks keeps last-write-wins for the reading position and unions the bookmarks.
	PolicyMergeBookmarks
)

// ParsePolicy maps a configuration value ("lww" or "merge") to a Policy
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "lww":
		return PolicyLastWriteWins, nil
	case "merge":
		return PolicyMergeBookmarks, nil
	default:
		return PolicyLastWriteWins, fmt.Errorf("unknown sync policy: %s", s)
	}
}

func (p Policy) String() string {
	if p == PolicyMergeBookmarks {
		return "merge"
	}
	return "lww"
}

// Outcome names the branch a decision was taken in
type Outcome string

const (
	OutcomeEmpty       Outcome = "empty"
	OutcomeAdoptRemote Outcome = "adopt_remote"
	OutcomeFirstSync   Outcome = "first_sync"
	OutcomeClientWins  Outcome = "client_wins"
	OutcomeServerWins  Outcome = "server_wins"
	OutcomeConverged   Outcome = "converged"
	// OutcomeTie means equal timestamps with different content. Nothing is written.
	OutcomeTie Outcome = "tie"
)

// Decision is the result of reconciling a local and a remote record
type Decision struct {
	Winner      *models.ProgressRecord
	WriteRemote bool
	WriteLocal  bool
	Outcome     Outcome
}

// Resolver reconciles records with a fixed policy. The zero value uses PolicyLastWriteWins.
type Resolver struct {
	policy Policy
}

// NewResolver creates a resolver for the given policy
func NewResolver(policy Policy) *Resolver {
	return &Resolver{policy: policy}
}

// Policy returns the configured policy
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve reconciles with last-write-wins
func Resolve(local, remote *models.ProgressRecord) Decision {
	return lastWriteWins(local, remote)
}

// Resolve reconciles local and remote according to the resolver policy.
// Either side may be nil. Resolve never fails and never mutates its arguments.
func (r *Resolver) Resolve(local, remote *models.ProgressRecord) Decision {
	d := lastWriteWins(local, remote)
	if r.policy != PolicyMergeBookmarks || local == nil || remote == nil {
		return d
	}

	merged := MergeBookmarks(local.Bookmarks, remote.Bookmarks)
	if sameBookmarks(merged, d.Winner.Bookmarks) {
		return d
	}

	winner := d.Winner.Clone()
	winner.Bookmarks = merged
	return Decision{
		Winner:      winner,
		WriteRemote: !Equal(winner, remote),
		WriteLocal:  !Equal(winner, local),
		Outcome:     d.Outcome,
	}
}

func lastWriteWins(local, remote *models.ProgressRecord) Decision {
	switch {
	case local == nil && remote == nil:
		return Decision{Outcome: OutcomeEmpty}
	case local == nil:
		return Decision{Winner: remote, WriteLocal: true, Outcome: OutcomeAdoptRemote}
	case remote == nil:
		return Decision{Winner: local, WriteRemote: true, Outcome: OutcomeFirstSync}
	case local.LastReadAt > remote.LastReadAt:
		return Decision{Winner: local, WriteRemote: true, Outcome: OutcomeClientWins}
	case remote.LastReadAt > local.LastReadAt:
		return Decision{Winner: remote, WriteLocal: true, Outcome: OutcomeServerWins}
	case Equal(local, remote):
		return Decision{Winner: local, Outcome: OutcomeConverged}
	default:
		return Decision{Winner: local, Outcome: OutcomeTie}
	}
}

// Equal compares the synchronized fields of two records.
// OwnerID is ignored and bookmarks are compared as a set.
func Equal(a, b *models.ProgressRecord) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.LastSurah == b.LastSurah &&
		a.LastAyah == b.LastAyah &&
		a.LastReadAt == b.LastReadAt &&
		sameBookmarks(a.Bookmarks, b.Bookmarks)
}

// MergeBookmarks unions two bookmark lists keyed by {surah, ayah}, keeping the
// greatest timestamp per key. The result is ordered newest first.
func MergeBookmarks(a, b []models.Bookmark) []models.Bookmark {
	type key struct{ surah, ayah int }
	latest := make(map[key]models.Bookmark, len(a)+len(b))
	for _, list := range [][]models.Bookmark{a, b} {
		for _, bm := range list {
			k := key{bm.Surah, bm.Ayah}
			if cur, ok := latest[k]; !ok || bm.Timestamp > cur.Timestamp {
				latest[k] = bm
			}
		}
	}

	out := make([]models.Bookmark, 0, len(latest))
	for _, bm := range latest {
		out = append(out, bm)
	}
	sortBookmarks(out)
	return out
}

func sameBookmarks(a, b []models.Bookmark) bool {
	if len(a) != len(b) {
		return false
	}
	as := slices.Clone(a)
	bs := slices.Clone(b)
	sortBookmarks(as)
	sortBookmarks(bs)
	return slices.Equal(as, bs)
}

func sortBookmarks(list []models.Bookmark) {
	slices.SortFunc(list, func(x, y models.Bookmark) int {
		if c := cmp.Compare(y.Timestamp, x.Timestamp); c != 0 {
			return c
		}
		if c := cmp.Compare(x.Surah, y.Surah); c != 0 {
			return c
		}
		return cmp.Compare(x.Ayah, y.Ayah)
	})
}
