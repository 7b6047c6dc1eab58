package store

import (
	"context"
	"errors"

	"github.com/campuspulse/pulse/models"
)

var (
	ErrEventNotFound        = errors.New("event not found")
	ErrRegistrationNotFound = errors.New("registration not found")
	ErrEventExists          = errors.New("event already exists")
)

/*
	The durable store behind the realtime core. The coordinator owns all
	serialization; implementations only need each individual call to be
	safe for concurrent use, not any cross-call atomicity.
*/

type Store interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	PutEvent(ctx context.Context, ev *models.Event) error
	DeleteEvent(ctx context.Context, id string) error

	// SetConfirmedCount records the derived registrant count. Only the
	// coordinator calls this, always inside its per-event critical section.
	SetConfirmedCount(ctx context.Context, eventID string, count int) error

	// GetRegistration returns the most recent registration for the pair,
	// whatever its status, or ErrRegistrationNotFound.
	GetRegistration(ctx context.Context, userID, eventID string) (*models.Registration, error)
	CreateRegistration(ctx context.Context, reg *models.Registration) error
	CancelRegistration(ctx context.Context, registrationID string) error

	Close()
}
