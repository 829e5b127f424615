package sanction

import (
	"strings"
	"time"
)

// ReconcileContext carries the cycle-level inputs of a transition.
type ReconcileContext struct {
	Now time.Time

	// FirstCycleAfterRestart suppresses RestoredEvent: persisted sanctions may be
	// stale after downtime, so this cycle only updates state silently.
	FirstCycleAfterRestart bool

	// Dedup, when set, lets an entityID:eventKind pair fire at most once per cycle.
	Dedup *Dedup
}

// Reconcile applies a fresh probe to rec and returns the resulting event, or nil.
//
// Rules, in precedence order:
//  1. deleted   -> deleted_account (terminal), DeletionEvent once ever
//  2. banned    -> banned, SanctionEvent unless already banned
//  3. suspended -> suspended, SanctionEvent unless already suspended with the same end
//  4. clean after a sanction -> active, RestoredEvent unless restart-guarded or deduped
//  5. clean and active -> no-op
func Reconcile(rec *EntityRecord, probe ProbeResult, rc ReconcileContext) Event {
	if rec == nil || rec.Status == StatusDeleted {
		return nil
	}
	now := rc.Now
	prev := rec.Status
	if cc := strings.TrimSpace(probe.CountryCode); cc != "" {
		rec.CountryCode = cc
	}

	var ev Event
	switch {
	case probe.Deleted:
		rec.Status = StatusDeleted
		rec.DeletedAt = timePtr(now)
		rec.SuspendedUntil = nil
		ev = DeletionEvent{Entity: subjectOf(rec), Previous: prev, DeletedAt: now}

	case probe.Banned:
		if prev == StatusBanned {
			return nil
		}
		startSanction(rec, prev, now)
		rec.Status = StatusBanned
		rec.SuspendedUntil = nil
		ev = SanctionEvent{Entity: subjectOf(rec), Sanction: EventBanned, Previous: prev, DetectedAt: now}

	case probe.Suspended && probe.SuspendedUntil != nil:
		until := *probe.SuspendedUntil
		if prev == StatusSuspended && rec.SuspendedUntil != nil && rec.SuspendedUntil.Equal(until) {
			return nil
		}
		startSanction(rec, prev, now)
		rec.Status = StatusSuspended
		rec.SuspendedUntil = timePtr(until)
		ev = SanctionEvent{Entity: subjectOf(rec), Sanction: EventSuspended, Previous: prev, SuspendedUntil: timePtr(until), DetectedAt: now}

	case prev.Sanctioned():
		var dur time.Duration
		if rec.SanctionStartedAt != nil && now.After(*rec.SanctionStartedAt) {
			dur = now.Sub(*rec.SanctionStartedAt)
		}
		rec.Status = StatusActive
		rec.SuspendedUntil = nil
		rec.SanctionStartedAt = nil
		rec.RestoredAt = timePtr(now)
		if rc.FirstCycleAfterRestart {
			return nil
		}
		ev = RestoredEvent{Entity: subjectOf(rec), Previous: prev, Duration: dur, RestoredAt: now}

	default:
		return nil
	}

	if rc.Dedup != nil && !rc.Dedup.Claim(ev) {
		return nil
	}
	return ev
}

// startSanction stamps the sanction start when an active entity becomes sanctioned.
// A change of sanction type keeps the original start.
func startSanction(rec *EntityRecord, prev Status, now time.Time) {
	if !prev.Sanctioned() || rec.SanctionStartedAt == nil {
		rec.SanctionStartedAt = timePtr(now)
	}
	rec.RestoredAt = nil
}

// ExpireSuspensions moves suspensions whose end has passed to suspension_expired.
// No network call is involved; the next probe reconciles the entity for real.
// It returns the ids that changed.
func ExpireSuspensions(st State, now time.Time) []string {
	var expired []string
	for id, r := range st.Entities {
		if r == nil || r.Status != StatusSuspended || r.SuspendedUntil == nil {
			continue
		}
		if now.Before(*r.SuspendedUntil) {
			continue
		}
		r.Status = StatusSuspensionExpired
		r.SuspendedUntil = nil
		expired = append(expired, id)
	}
	return expired
}

// Observation is one leaderboard row as seen in a snapshot.
type Observation struct {
	EntityID    string
	DisplayName string
	CountryCode string
	Rating      int
	Rank        int
}

// Observe applies a snapshot row, creating an active record on first sight.
// Status is left alone: only probes change it.
func Observe(st State, o Observation, now time.Time) *EntityRecord {
	r := st.Entities[o.EntityID]
	if r == nil {
		r = &EntityRecord{ID: o.EntityID, Status: StatusActive, FirstSeenAt: now}
		st.Entities[o.EntityID] = r
	}
	if name := strings.TrimSpace(o.DisplayName); name != "" {
		r.DisplayName = name
	}
	if cc := strings.TrimSpace(o.CountryCode); cc != "" {
		r.CountryCode = cc
	}
	if r.FirstSeenAt.IsZero() {
		r.FirstSeenAt = now
	}
	r.AddSample(RatingSample{Rating: o.Rating, Rank: o.Rank, ObservedAt: now})
	r.LastSeenAt = now
	return r
}
