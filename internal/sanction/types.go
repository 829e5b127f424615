// Package sanction holds the tracked-player model and the status state machine
// that turns fresh probe results into status-change events.
package sanction

import (
	"errors"
	"fmt"
	"time"
)

// Status is the persisted sanction status of a tracked entity.
type Status string

const (
	StatusActive            Status = "active"
	StatusBanned            Status = "banned"
	StatusSuspended         Status = "suspended"
	StatusSuspensionExpired Status = "suspension_expired"
	StatusDeleted           Status = "deleted_account"
)

// AllStatuses lists every status in display order.
func AllStatuses() []Status {
	return []Status{StatusActive, StatusSuspended, StatusSuspensionExpired, StatusBanned, StatusDeleted}
}

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusBanned, StatusSuspended, StatusSuspensionExpired, StatusDeleted:
		return true
	}
	return false
}

// Sanctioned reports whether s is a ban or a suspension, including one that
// expired naturally but has not been re-probed yet.
func (s Status) Sanctioned() bool {
	return s == StatusBanned || s == StatusSuspended || s == StatusSuspensionExpired
}

// MaxRatingHistory bounds EntityRecord.RatingHistory.
const MaxRatingHistory = 30

type RatingSample struct {
	Rating     int       `json:"rating"`
	Rank       int       `json:"rank"`
	ObservedAt time.Time `json:"observed_at"`
}

// EntityRecord is the persisted state of one tracked player.
type EntityRecord struct {
	ID            string         `json:"id"`
	DisplayName   string         `json:"display_name"`
	CountryCode   string         `json:"country_code,omitempty"`
	RatingHistory []RatingSample `json:"rating_history,omitempty"`
	FirstSeenAt   time.Time      `json:"first_seen_at"`
	LastSeenAt    time.Time      `json:"last_seen_at"`
	Status        Status         `json:"status"`

	SanctionStartedAt *time.Time `json:"sanction_started_at,omitempty"`
	SuspendedUntil    *time.Time `json:"suspended_until,omitempty"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
	RestoredAt        *time.Time `json:"restored_at,omitempty"`
}

// AddSample appends s and evicts the oldest samples beyond MaxRatingHistory.
// A sample older than the newest one held is dropped so the history stays ordered.
func (r *EntityRecord) AddSample(s RatingSample) bool {
	if n := len(r.RatingHistory); n > 0 && s.ObservedAt.Before(r.RatingHistory[n-1].ObservedAt) {
		return false
	}
	r.RatingHistory = append(r.RatingHistory, s)
	if over := len(r.RatingHistory) - MaxRatingHistory; over > 0 {
		r.RatingHistory = append(r.RatingHistory[:0:0], r.RatingHistory[over:]...)
	}
	return true
}

// LastSample returns the newest rating sample, if any.
func (r *EntityRecord) LastSample() (RatingSample, bool) {
	if len(r.RatingHistory) == 0 {
		return RatingSample{}, false
	}
	return r.RatingHistory[len(r.RatingHistory)-1], true
}

var (
	ErrInvalidStatus  = errors.New("invalid status")
	ErrSuspendedUntil = errors.New("suspended_until must be set iff status is suspended")
	ErrRatingHistory  = errors.New("rating history out of bounds or order")
)

// Validate checks the record invariants.
func (r *EntityRecord) Validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("%s: %w: %q", r.ID, ErrInvalidStatus, r.Status)
	}
	if (r.Status == StatusSuspended) != (r.SuspendedUntil != nil) {
		return fmt.Errorf("%s: %w", r.ID, ErrSuspendedUntil)
	}
	if len(r.RatingHistory) > MaxRatingHistory {
		return fmt.Errorf("%s: %w", r.ID, ErrRatingHistory)
	}
	for i := 1; i < len(r.RatingHistory); i++ {
		if r.RatingHistory[i].ObservedAt.Before(r.RatingHistory[i-1].ObservedAt) {
			return fmt.Errorf("%s: %w", r.ID, ErrRatingHistory)
		}
	}
	return nil
}

func (r *EntityRecord) clone() *EntityRecord {
	cp := *r
	cp.RatingHistory = append([]RatingSample(nil), r.RatingHistory...)
	cp.SanctionStartedAt = cloneTime(r.SanctionStartedAt)
	cp.SuspendedUntil = cloneTime(r.SuspendedUntil)
	cp.DeletedAt = cloneTime(r.DeletedAt)
	cp.RestoredAt = cloneTime(r.RestoredAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }

// ProbeResult is one classified detail lookup. It is never persisted.
type ProbeResult struct {
	Accessible     bool
	Banned         bool
	Suspended      bool
	SuspendedUntil *time.Time
	Deleted        bool
	CountryCode    string

	// RateLimitHits counts 429 responses absorbed by retries while producing this result.
	RateLimitHits int
}

// Throttled returns the rate-limit hits so schedulers can pace on them.
func (p ProbeResult) Throttled() int { return p.RateLimitHits }

// State is everything the persistence store loads and saves.
type State struct {
	Entities    map[string]*EntityRecord `json:"entities"`
	LastCheckAt time.Time                `json:"last_check_at"`
	TotalChecks int                      `json:"total_checks"`
}

func NewState() State {
	return State{Entities: map[string]*EntityRecord{}}
}

// Clone returns a deep copy, so a cycle can mutate state without touching what was loaded.
func (s State) Clone() State {
	cp := State{
		Entities:    make(map[string]*EntityRecord, len(s.Entities)),
		LastCheckAt: s.LastCheckAt,
		TotalChecks: s.TotalChecks,
	}
	for id, r := range s.Entities {
		if r != nil {
			cp.Entities[id] = r.clone()
		}
	}
	return cp
}

// CountByStatus tallies records per status.
func (s State) CountByStatus() map[Status]int {
	out := make(map[Status]int, 5)
	for _, r := range s.Entities {
		if r != nil {
			out[r.Status]++
		}
	}
	return out
}
