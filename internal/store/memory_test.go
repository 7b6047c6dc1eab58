package store

import (
	"context"
	"testing"
	"time"

	"github.com/campuspulse/pulse/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEventRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.GetEvent(ctx, "ev1")
	require.ErrorIs(t, err, ErrEventNotFound)

	ev := &models.Event{
		ID:        "ev1",
		Title:     "Career Fair",
		Capacity:  200,
		CreatedAt: time.Now(),
	}
	require.NoError(t, m.PutEvent(ctx, ev))

	got, err := m.GetEvent(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, "Career Fair", got.Title)

	// Returned events are copies; mutating one must not touch the store.
	got.ConfirmedCount = 99
	again, err := m.GetEvent(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, 0, again.ConfirmedCount)

	require.NoError(t, m.DeleteEvent(ctx, "ev1"))
	require.ErrorIs(t, m.DeleteEvent(ctx, "ev1"), ErrEventNotFound)
}

func TestMemoryConfirmedCount(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.ErrorIs(t, m.SetConfirmedCount(ctx, "ev1", 1), ErrEventNotFound)

	require.NoError(t, m.PutEvent(ctx, &models.Event{ID: "ev1", Capacity: 10}))
	require.NoError(t, m.SetConfirmedCount(ctx, "ev1", 7))

	ev, err := m.GetEvent(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, 7, ev.ConfirmedCount)
	assert.Equal(t, 3, ev.Remaining())
}

func TestMemoryRegistrationLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.GetRegistration(ctx, "u1", "ev1")
	require.ErrorIs(t, err, ErrRegistrationNotFound)

	reg := &models.Registration{
		ID:        "reg1",
		EventID:   "ev1",
		UserID:    "u1",
		Status:    models.RegistrationConfirmed,
		CreatedAt: time.Now(),
	}
	require.NoError(t, m.CreateRegistration(ctx, reg))

	got, err := m.GetRegistration(ctx, "u1", "ev1")
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationConfirmed, got.Status)

	require.NoError(t, m.CancelRegistration(ctx, "reg1"))
	got, err = m.GetRegistration(ctx, "u1", "ev1")
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationCancelled, got.Status)

	require.ErrorIs(t, m.CancelRegistration(ctx, "nope"), ErrRegistrationNotFound)
}

func TestMemoryLatestRegistrationWins(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	old := &models.Registration{ID: "reg1", EventID: "ev1", UserID: "u1", Status: models.RegistrationCancelled}
	require.NoError(t, m.CreateRegistration(ctx, old))

	fresh := &models.Registration{ID: "reg2", EventID: "ev1", UserID: "u1", Status: models.RegistrationConfirmed}
	require.NoError(t, m.CreateRegistration(ctx, fresh))

	got, err := m.GetRegistration(ctx, "u1", "ev1")
	require.NoError(t, err)
	assert.Equal(t, "reg2", got.ID)
	assert.Equal(t, models.RegistrationConfirmed, got.Status)
}
