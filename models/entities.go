package models

import "time"

/*
	Domain entities referenced by the realtime core. The surrounding platform
	owns the full records (descriptions, images, organizer metadata, etc.);
	only the fields the coordinator and notifier act on are carried here.
*/

// Event is a bookable campus event. ConfirmedCount is derived state owned by
// the registration coordinator and must never exceed Capacity.
type Event struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title"`
	OrgID                string    `json:"org_id,omitempty"`
	Capacity             int       `json:"capacity"`
	ConfirmedCount       int       `json:"confirmed_count"`
	RegistrationDeadline time.Time `json:"registration_deadline"`
	CreatedAt            time.Time `json:"created_at"`
}

// Remaining returns the number of open slots, floored at zero. A capacity
// shrink below the confirmed count leaves existing confirmations intact, so
// the raw difference can go negative; that must never reach the wire.
func (e *Event) Remaining() int {
	if r := e.Capacity - e.ConfirmedCount; r > 0 {
		return r
	}
	return 0
}

// RegistrationStatus is the lifecycle state of a (user, event) registration.
type RegistrationStatus string

const (
	RegistrationConfirmed RegistrationStatus = "confirmed"
	RegistrationCancelled RegistrationStatus = "cancelled"
)

// Registration is one user's slot against one event. At most one confirmed
// registration exists per (user, event) pair at any time.
type Registration struct {
	ID        string             `json:"id"`
	EventID   string             `json:"event_id"`
	UserID    string             `json:"user_id"`
	Status    RegistrationStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
}

// UserRef is the minimal identity attached to joined announcements.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Organization carries the fields published on org-updated messages.
type Organization struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	FollowerCount int    `json:"follower_count"`
}

// JoinResult is the synchronous response to a successful join request.
type JoinResult struct {
	EventID          string    `json:"event_id"`
	Title            string    `json:"title"`
	RegistrationDate time.Time `json:"registration_date"`
	ConfirmedCount   int       `json:"confirmed_count"`
}
