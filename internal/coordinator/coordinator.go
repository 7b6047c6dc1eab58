package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/campuspulse/pulse/internal/store"
	"github.com/campuspulse/pulse/models"
	"github.com/google/uuid"
)

var (
	ErrNotFound              = errors.New("event or registration not found")
	ErrDuplicateRegistration = errors.New("user already registered for event")
	ErrCapacityExceeded      = errors.New("event is at capacity")
	ErrDeadlinePassed        = errors.New("registration deadline has passed")
)

// Emitter receives domain events after a mutation commits. Implemented by
// the notifier; a failure to notify never unwinds the mutation, so Emitter
// methods return nothing.
type Emitter interface {
	CapacityChanged(ev *models.Event)
	Joined(ev *models.Event, user models.UserRef)
}

type Config struct {
	// AllowRejoin permits Unregistered -> Confirmed again after a
	// cancellation. When false a cancelled pair is terminal.
	AllowRejoin bool
}

/*
	Coordinator owns the capacity invariant: confirmedCount <= capacity for
	every event, under any interleaving of concurrent joins and leaves.

	Exclusion is scoped per event id only. Each event gets its own mutex in
	a reference-counted table so two joins against the same event serialize
	while joins against different events run in parallel, and the table does
	not grow without bound as events come and go.
*/

type Coordinator struct {
	store   store.Store
	emitter Emitter
	logger  *slog.Logger
	cfg     Config

	mu    sync.Mutex
	locks map[string]*eventLock
}

type eventLock struct {
	sync.Mutex
	refs int
}

func New(st store.Store, emitter Emitter, logger *slog.Logger, cfg Config) *Coordinator {
	return &Coordinator{
		store:   st,
		emitter: emitter,
		logger:  logger.WithGroup("coordinator"),
		cfg:     cfg,
		locks:   make(map[string]*eventLock),
	}
}

// acquire returns the lock for eventID, creating it on first use. The caller
// must call the returned release exactly once after unlocking.
func (c *Coordinator) acquire(eventID string) (*eventLock, func()) {
	c.mu.Lock()
	el, ok := c.locks[eventID]
	if !ok {
		el = &eventLock{}
		c.locks[eventID] = el
	}
	el.refs++
	c.mu.Unlock()

	return el, func() {
		c.mu.Lock()
		el.refs--
		if el.refs == 0 {
			delete(c.locks, eventID)
		}
		c.mu.Unlock()
	}
}

// Join registers userID for eventID. Checks run in a fixed order: event
// exists, deadline open, no confirmed duplicate, capacity remaining. The
// checks, the count increment, and the registration insert all happen inside
// the per-event critical section; the capacity-change and joined events are
// emitted only after it releases.
func (c *Coordinator) Join(ctx context.Context, userID string, user models.UserRef, eventID string) (*models.JoinResult, error) {
	el, release := c.acquire(eventID)
	defer release()

	el.Lock()
	result, ev, err := c.joinLocked(ctx, userID, eventID)
	el.Unlock()

	if err != nil {
		return nil, err
	}

	c.logger.Info("registration confirmed",
		"event_id", eventID,
		"user_id", userID,
		"confirmed_count", ev.ConfirmedCount,
	)
	c.emitter.CapacityChanged(ev)
	c.emitter.Joined(ev, user)
	return result, nil
}

func (c *Coordinator) joinLocked(ctx context.Context, userID, eventID string) (*models.JoinResult, *models.Event, error) {
	ev, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrEventNotFound) {
			return nil, nil, fmt.Errorf("join %s: %w", eventID, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("join %s: %w", eventID, err)
	}

	now := time.Now()
	if !ev.RegistrationDeadline.IsZero() && !now.Before(ev.RegistrationDeadline) {
		return nil, nil, fmt.Errorf("join %s: %w", eventID, ErrDeadlinePassed)
	}

	existing, err := c.store.GetRegistration(ctx, userID, eventID)
	if err != nil && !errors.Is(err, store.ErrRegistrationNotFound) {
		return nil, nil, fmt.Errorf("join %s: %w", eventID, err)
	}
	if existing != nil {
		switch existing.Status {
		case models.RegistrationConfirmed:
			return nil, nil, fmt.Errorf("join %s: %w", eventID, ErrDuplicateRegistration)
		case models.RegistrationCancelled:
			if !c.cfg.AllowRejoin {
				return nil, nil, fmt.Errorf("join %s: rejoin disallowed: %w", eventID, ErrDuplicateRegistration)
			}
		}
	}

	if ev.ConfirmedCount >= ev.Capacity {
		return nil, nil, fmt.Errorf("join %s: %w", eventID, ErrCapacityExceeded)
	}

	reg := &models.Registration{
		ID:        uuid.NewString(),
		EventID:   eventID,
		UserID:    userID,
		Status:    models.RegistrationConfirmed,
		CreatedAt: now,
	}
	if err := c.store.CreateRegistration(ctx, reg); err != nil {
		return nil, nil, fmt.Errorf("join %s: %w", eventID, err)
	}

	ev.ConfirmedCount++
	if err := c.store.SetConfirmedCount(ctx, eventID, ev.ConfirmedCount); err != nil {
		// Roll the insert back so the pair is not left half-applied.
		if cancelErr := c.store.CancelRegistration(ctx, reg.ID); cancelErr != nil {
			c.logger.Error("failed to roll back registration after count update failure",
				"event_id", eventID, "registration_id", reg.ID, "error", cancelErr)
		}
		return nil, nil, fmt.Errorf("join %s: %w", eventID, err)
	}

	return &models.JoinResult{
		EventID:          ev.ID,
		Title:            ev.Title,
		RegistrationDate: reg.CreatedAt,
		ConfirmedCount:   ev.ConfirmedCount,
	}, ev, nil
}

// Leave cancels userID's confirmed registration for eventID and decrements
// the confirmed count under the same per-event exclusion as Join.
func (c *Coordinator) Leave(ctx context.Context, userID, eventID string) error {
	el, release := c.acquire(eventID)
	defer release()

	el.Lock()
	ev, err := c.leaveLocked(ctx, userID, eventID)
	el.Unlock()

	if err != nil {
		return err
	}

	c.logger.Info("registration cancelled",
		"event_id", eventID,
		"user_id", userID,
		"confirmed_count", ev.ConfirmedCount,
	)
	c.emitter.CapacityChanged(ev)
	return nil
}

func (c *Coordinator) leaveLocked(ctx context.Context, userID, eventID string) (*models.Event, error) {
	ev, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrEventNotFound) {
			return nil, fmt.Errorf("leave %s: %w", eventID, ErrNotFound)
		}
		return nil, fmt.Errorf("leave %s: %w", eventID, err)
	}

	reg, err := c.store.GetRegistration(ctx, userID, eventID)
	if err != nil {
		if errors.Is(err, store.ErrRegistrationNotFound) {
			return nil, fmt.Errorf("leave %s: %w", eventID, ErrNotFound)
		}
		return nil, fmt.Errorf("leave %s: %w", eventID, err)
	}
	if reg.Status != models.RegistrationConfirmed {
		return nil, fmt.Errorf("leave %s: %w", eventID, ErrNotFound)
	}

	if err := c.store.CancelRegistration(ctx, reg.ID); err != nil {
		return nil, fmt.Errorf("leave %s: %w", eventID, err)
	}

	if ev.ConfirmedCount > 0 {
		ev.ConfirmedCount--
	}
	if err := c.store.SetConfirmedCount(ctx, eventID, ev.ConfirmedCount); err != nil {
		return nil, fmt.Errorf("leave %s: %w", eventID, err)
	}
	return ev, nil
}
