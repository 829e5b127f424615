package sanction

import "time"

// EventKind names a status change; together with the entity id it forms the dedup key.
type EventKind string

const (
	EventBanned    EventKind = "banned"
	EventSuspended EventKind = "suspended"
	EventRestored  EventKind = "restored"
	EventDeleted   EventKind = "deleted"
)

// Event is one of SanctionEvent, RestoredEvent or DeletionEvent.
type Event interface {
	EntityID() string
	Kind() EventKind
	At() time.Time
	Subject() Subject
	PreviousStatus() Status
}

// Subject is a snapshot of the entity taken when the event was produced.
type Subject struct {
	ID          string
	DisplayName string
	CountryCode string
	Rating      int
	Rank        int
}

func subjectOf(r *EntityRecord) Subject {
	s := Subject{ID: r.ID, DisplayName: r.DisplayName, CountryCode: r.CountryCode}
	if last, ok := r.LastSample(); ok {
		s.Rating = last.Rating
		s.Rank = last.Rank
	}
	return s
}

// SanctionEvent reports a new ban or suspension, including a re-suspension
// with a different end date and a suspension turning into a ban.
type SanctionEvent struct {
	Entity         Subject
	Sanction       EventKind // EventBanned or EventSuspended
	Previous       Status
	SuspendedUntil *time.Time
	DetectedAt     time.Time
}

func (e SanctionEvent) EntityID() string       { return e.Entity.ID }
func (e SanctionEvent) Kind() EventKind        { return e.Sanction }
func (e SanctionEvent) At() time.Time          { return e.DetectedAt }
func (e SanctionEvent) Subject() Subject       { return e.Entity }
func (e SanctionEvent) PreviousStatus() Status { return e.Previous }

// RestoredEvent reports a sanctioned entity probing clean again.
type RestoredEvent struct {
	Entity     Subject
	Previous   Status
	Duration   time.Duration
	RestoredAt time.Time
}

func (e RestoredEvent) EntityID() string       { return e.Entity.ID }
func (e RestoredEvent) Kind() EventKind        { return EventRestored }
func (e RestoredEvent) At() time.Time          { return e.RestoredAt }
func (e RestoredEvent) Subject() Subject       { return e.Entity }
func (e RestoredEvent) PreviousStatus() Status { return e.Previous }

// DeletionEvent reports an account that became inaccessible. It fires once per entity, ever.
type DeletionEvent struct {
	Entity    Subject
	Previous  Status
	DeletedAt time.Time
}

func (e DeletionEvent) EntityID() string       { return e.Entity.ID }
func (e DeletionEvent) Kind() EventKind        { return EventDeleted }
func (e DeletionEvent) At() time.Time          { return e.DeletedAt }
func (e DeletionEvent) Subject() Subject       { return e.Entity }
func (e DeletionEvent) PreviousStatus() Status { return e.Previous }

// Dedup is the cycle-scoped set of entityID:eventKind keys.
// The zero value is not usable; create one with NewDedup per cycle.
type Dedup struct {
	seen map[string]struct{}
}

func NewDedup() *Dedup { return &Dedup{seen: map[string]struct{}{}} }

func DedupKey(entityID string, kind EventKind) string { return entityID + ":" + string(kind) }

// Claim returns true the first time it sees ev's key in this cycle.
func (d *Dedup) Claim(ev Event) bool {
	if ev == nil {
		return false
	}
	k := DedupKey(ev.EntityID(), ev.Kind())
	if _, ok := d.seen[k]; ok {
		return false
	}
	d.seen[k] = struct{}{}
	return true
}

// Seen reports whether the key already fired in this cycle.
func (d *Dedup) Seen(entityID string, kind EventKind) bool {
	_, ok := d.seen[DedupKey(entityID, kind)]
	return ok
}

func (d *Dedup) Len() int { return len(d.seen) }
