package models

import (
	"errors"
	"fmt"
	"slices"
)

const (
	// MinSurah and MaxSurah bound the chapter index
	MinSurah = 1
	MaxSurah = 114

	// MaxAyah is the largest verse number the stores hold (SMALLINT UNSIGNED)
	MaxAyah = 65535
	// MaxOwnerIDLength is the owner_id column width
	MaxOwnerIDLength = 191
)

// Envelope error strings returned by the sync endpoint
const (
	ErrorUnauthorized = "Unauthorized"
	ErrorInternal     = "Internal Server Error"
	ErrorBadRequest   = "Bad Request"
)

// ErrInvalidRecord is wrapped by every validation failure of a ProgressRecord
var ErrInvalidRecord = errors.New("invalid progress record")

// Bookmark marks a single verse
type Bookmark struct {
	Surah     int   `json:"surah"`
	Ayah      int   `json:"ayah"`
	Timestamp int64 `json:"timestamp"` // epoch milliseconds
}

// ProgressRecord represents one owner's reading position at a point in time.
//
// LastReadAt (epoch milliseconds) is the only ordering key used for reconciliation.
// Bookmarks order is not significant, use SortedBookmarks for display.
type ProgressRecord struct {
	OwnerID    string     `json:"ownerId"`
	LastSurah  int        `json:"lastSurah"`
	LastAyah   int        `json:"lastAyah"`
	LastReadAt int64      `json:"lastReadAt"`
	Bookmarks  []Bookmark `json:"bookmarks"`
}

// Validate checks field domains.
// Ayah numbers are not checked against the real verse count of the chapter.
func (p *ProgressRecord) Validate() error {
	if len(p.OwnerID) > MaxOwnerIDLength {
		return fmt.Errorf("%w: ownerId must be at most %d bytes", ErrInvalidRecord, MaxOwnerIDLength)
	}
	if p.LastSurah < MinSurah || p.LastSurah > MaxSurah {
		return fmt.Errorf("%w: lastSurah must be between %d and %d", ErrInvalidRecord, MinSurah, MaxSurah)
	}
	if p.LastAyah < 1 || p.LastAyah > MaxAyah {
		return fmt.Errorf("%w: lastAyah must be between 1 and %d", ErrInvalidRecord, MaxAyah)
	}
	if p.LastReadAt < 0 {
		return fmt.Errorf("%w: lastReadAt must not be negative", ErrInvalidRecord)
	}
	for i, b := range p.Bookmarks {
		if b.Surah < MinSurah || b.Surah > MaxSurah {
			return fmt.Errorf("%w: bookmark %d: surah must be between %d and %d", ErrInvalidRecord, i, MinSurah, MaxSurah)
		}
		if b.Ayah < 1 || b.Ayah > MaxAyah {
			return fmt.Errorf("%w: bookmark %d: ayah must be between 1 and %d", ErrInvalidRecord, i, MaxAyah)
		}
		if b.Timestamp < 0 {
			return fmt.Errorf("%w: bookmark %d: timestamp must not be negative", ErrInvalidRecord, i)
		}
	}
	return nil
}

// Clone returns a deep copy, nil stays nil
func (p *ProgressRecord) Clone() *ProgressRecord {
	if p == nil {
		return nil
	}
	c := *p
	if p.Bookmarks != nil {
		c.Bookmarks = slices.Clone(p.Bookmarks)
	}
	return &c
}

// SortedBookmarks returns a copy of the bookmarks, newest first
func (p *ProgressRecord) SortedBookmarks() []Bookmark {
	out := slices.Clone(p.Bookmarks)
	slices.SortStableFunc(out, func(a, b Bookmark) int {
		switch {
		case a.Timestamp > b.Timestamp:
			return -1
		case a.Timestamp < b.Timestamp:
			return 1
		}
		return 0
	})
	return out
}

// SyncRequest is the body of POST /api/v1/progress/sync
type SyncRequest struct {
	ClientProgress *ProgressRecord `json:"clientProgress"`
}

// ProgressResponse is the success envelope of the progress endpoints.
// Data is null when neither side holds a record.
type ProgressResponse struct {
	Success bool            `json:"success"`
	Data    *ProgressRecord `json:"data"`
}

// ErrorResponse is the failure envelope of the progress endpoints
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
