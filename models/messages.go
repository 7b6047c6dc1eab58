package models

import "encoding/json"

/*
	Wire messages. Everything the broker delivers is a Message envelope;
	everything a client sends back is a ControlMessage. Payload shapes are
	fixed per message type so subscribers can decode without sniffing.
*/

// MessageType enumerates every notification the core can publish.
type MessageType string

const (
	MessageEventCreated        MessageType = "event-created"
	MessageEventUpdated        MessageType = "event-updated"
	MessageEventDeleted        MessageType = "event-deleted"
	MessageEventCapacityChange MessageType = "event-capacity-change"
	MessageEventJoined         MessageType = "event-joined"
	MessageOrgUpdated          MessageType = "org-updated"
	MessageOrgFollowed         MessageType = "org-followed"
	MessageNotification        MessageType = "notification"
)

// Message is the envelope delivered to every session subscribed to Topic.
// Delivered at-most-once per session, never persisted or replayed.
type Message struct {
	Topic   string          `json:"topic"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage marshals payload into an envelope for topic.
func NewMessage(topic string, mt MessageType, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: topic, Type: mt, Payload: raw}, nil
}

// EventPayload carries the full event on event-created and event-updated.
type EventPayload struct {
	Event Event `json:"event"`
}

// EventDeletedPayload carries only the id; the record is already gone.
type EventDeletedPayload struct {
	EventID string `json:"event_id"`
}

// CapacityChangePayload is published on every confirmed-count change.
type CapacityChangePayload struct {
	EventID           string `json:"event_id"`
	RemainingCapacity int    `json:"remaining_capacity"`
	TotalCapacity     int    `json:"total_capacity"`
}

// JoinedPayload announces a new registrant to an event's watchers.
type JoinedPayload struct {
	EventID string  `json:"event_id"`
	User    UserRef `json:"user"`
}

// OrgUpdatedPayload carries the full organization on org-updated.
type OrgUpdatedPayload struct {
	Organization Organization `json:"organization"`
}

// OrgFollowedPayload is published when an org's follower count changes.
type OrgFollowedPayload struct {
	OrganizationID string `json:"organization_id"`
	FollowerCount  int    `json:"follower_count"`
}

// NotificationPayload is a direct, freeform user notification.
type NotificationPayload struct {
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// ControlAction enumerates the client-to-broker control verbs.
type ControlAction string

const (
	ControlJoinRoom  ControlAction = "join-room"
	ControlLeaveRoom ControlAction = "leave-room"
)

// ControlMessage is what a connected client sends to manage its
// subscription set.
type ControlMessage struct {
	Action ControlAction `json:"action"`
	RoomID string        `json:"room_id"`
}
