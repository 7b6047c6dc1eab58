package broker

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/campuspulse/pulse/config"
	"github.com/campuspulse/pulse/models"
)

var (
	ErrTooManyConnections = errors.New("too many connections")
	ErrBrokerClosed       = errors.New("broker is shut down")
)

/*
	Broker owns the topic registry: topic name -> set of live sessions.
	It has no domain knowledge; it moves opaque envelopes from publishers
	to whoever is subscribed at that instant. Delivery is at-most-once per
	session and a slow session never blocks the others.
*/

type Broker struct {
	logger *slog.Logger
	cfg    config.Sessions

	mu          sync.RWMutex
	subscribers map[string]map[*Session]struct{}
	sessions    map[*Session]struct{}
	closed      bool

	queue chan models.Message
	quit  chan struct{}
	done  chan struct{}
}

func New(cfg config.Sessions, logger *slog.Logger) *Broker {
	b := &Broker{
		logger:      logger.WithGroup("broker"),
		cfg:         cfg,
		subscribers: make(map[string]map[*Session]struct{}),
		sessions:    make(map[*Session]struct{}),
		queue:       make(chan models.Message, cfg.EventChannelSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go b.pump()
	return b
}

// pump is the single consumer of the intake queue, so queued messages fan
// out in the order they were enqueued.
func (b *Broker) pump() {
	defer close(b.done)
	for {
		select {
		case msg := <-b.queue:
			b.Publish(msg)
		case <-b.quit:
			return
		}
	}
}

// register admits a session, enforcing the connection ceiling.
func (b *Broker) register(s *Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	if len(b.sessions) >= b.cfg.MaxConnections {
		return ErrTooManyConnections
	}
	b.sessions[s] = struct{}{}
	b.logger.Debug("session registered", "session_id", s.ID, "active", len(b.sessions))
	return nil
}

// Subscribe adds s to topic's subscriber set. Subscribing an already
// subscribed session, or one that has already disconnected, is a no-op.
func (b *Broker) Subscribe(s *Session, topic string) {
	if !models.ValidTopic(topic) {
		b.logger.Warn("subscribe rejected, malformed topic", "session_id", s.ID, "topic", topic)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, live := b.sessions[s]; !live {
		// Late subscribe racing a disconnect; drop it silently.
		return
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[*Session]struct{})
	}
	b.subscribers[topic][s] = struct{}{}
	s.topics[topic] = struct{}{}
	b.logger.Debug("session subscribed", "session_id", s.ID, "topic", topic)
}

// Unsubscribe removes s from topic. Removing the last subscriber deletes
// the topic's registry entry so abandoned topics cost nothing.
func (b *Broker) Unsubscribe(s *Session, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked(s, topic)
}

func (b *Broker) unsubscribeLocked(s *Session, topic string) {
	set, ok := b.subscribers[topic]
	if !ok {
		return
	}
	delete(set, s)
	delete(s.topics, topic)
	if len(set) == 0 {
		delete(b.subscribers, topic)
		b.logger.Debug("last subscriber gone, topic removed", "topic", topic)
	}
}

// Publish fans msg out to every session subscribed to msg.Topic. The
// envelope is marshalled once; a session whose send buffer is full has the
// message dropped rather than delaying anyone else.
func (b *Broker) Publish(msg models.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("failed to marshal message for fanout", "topic", msg.Topic, "error", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	set, ok := b.subscribers[msg.Topic]
	if !ok {
		return
	}
	for s := range set {
		select {
		case s.send <- payload:
		default:
			b.logger.Warn("session send buffer full, message dropped",
				"session_id", s.ID, "topic", msg.Topic)
		}
	}
}

// Enqueue hands msg to the fanout goroutine instead of fanning out on the
// caller's stack. A full queue drops the message rather than backing up
// into the registration path.
func (b *Broker) Enqueue(msg models.Message) {
	select {
	case <-b.quit:
	case b.queue <- msg:
	default:
		b.logger.Warn("intake queue full, message dropped", "topic", msg.Topic)
	}
}

// Intake adapts the buffered publish path to the change-notifier's
// Publisher interface.
type Intake struct {
	b *Broker
}

func (i Intake) Publish(msg models.Message) {
	i.b.Enqueue(msg)
}

func (b *Broker) Intake() Intake {
	return Intake{b: b}
}

// Disconnect removes s from every topic it was subscribed to and closes its
// send channel. Safe to call more than once; the work runs exactly once.
func (b *Broker) Disconnect(s *Session) {
	s.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for topic := range s.topics {
			b.unsubscribeLocked(s, topic)
		}
		delete(b.sessions, s)
		close(s.send)
		b.logger.Debug("session disconnected", "session_id", s.ID, "active", len(b.sessions))
	})
}

// ActiveSessions reports the number of live sessions.
func (b *Broker) ActiveSessions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// TopicSubscribers reports the number of sessions subscribed to topic.
func (b *Broker) TopicSubscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Shutdown disconnects every session and refuses new ones.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	live := make([]*Session, 0, len(b.sessions))
	for s := range b.sessions {
		live = append(live, s)
	}
	b.mu.Unlock()

	close(b.quit)
	<-b.done

	for _, s := range live {
		b.Disconnect(s)
		if s.conn != nil {
			s.conn.Close()
		}
	}
	b.logger.Info("broker shut down", "sessions_closed", len(live))
}
