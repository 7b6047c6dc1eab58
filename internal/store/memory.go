package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/campuspulse/pulse/models"
)

// Memory is the map-backed Store used by tests and single-node deployments.
type Memory struct {
	mu sync.RWMutex

	events map[string]models.Event
	// registration id -> registration
	registrations map[string]models.Registration
	// "<eventID>/<userID>" -> id of the most recent registration for the pair
	latestByPair map[string]string
}

var _ Store = &Memory{}

func NewMemory() *Memory {
	return &Memory{
		events:        make(map[string]models.Event),
		registrations: make(map[string]models.Registration),
		latestByPair:  make(map[string]string),
	}
}

func pairKey(eventID, userID string) string {
	return fmt.Sprintf("%s/%s", eventID, userID)
}

func (m *Memory) GetEvent(_ context.Context, id string) (*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	out := ev
	return &out, nil
}

func (m *Memory) PutEvent(_ context.Context, ev *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[ev.ID] = *ev
	return nil
}

func (m *Memory) DeleteEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[id]; !ok {
		return ErrEventNotFound
	}
	delete(m.events, id)
	return nil
}

func (m *Memory) SetConfirmedCount(_ context.Context, eventID string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	ev.ConfirmedCount = count
	m.events[eventID] = ev
	return nil
}

func (m *Memory) GetRegistration(_ context.Context, userID, eventID string) (*models.Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.latestByPair[pairKey(eventID, userID)]
	if !ok {
		return nil, ErrRegistrationNotFound
	}
	reg := m.registrations[id]
	out := reg
	return &out, nil
}

func (m *Memory) CreateRegistration(_ context.Context, reg *models.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.registrations[reg.ID] = *reg
	m.latestByPair[pairKey(reg.EventID, reg.UserID)] = reg.ID
	return nil
}

func (m *Memory) CancelRegistration(_ context.Context, registrationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.registrations[registrationID]
	if !ok {
		return ErrRegistrationNotFound
	}
	reg.Status = models.RegistrationCancelled
	m.registrations[registrationID] = reg
	return nil
}

func (m *Memory) Close() {}
