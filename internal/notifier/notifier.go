package notifier

import (
	"log/slog"

	"github.com/campuspulse/pulse/models"
)

// Publisher is the broker-side surface the notifier publishes through.
type Publisher interface {
	Publish(msg models.Message)
}

/*
	Notifier maps domain mutations onto topic messages. The routing table is
	fixed:

	  event created/updated/deleted  event:<id>, plus org:<orgId> when owned
	  capacity changed / joined      event:<id> only
	  org updated / followed         org:<id>
	  direct notification            user:<id>

	Marshal failures and anything downstream are logged and swallowed; a
	mutation that already committed must never fail because a notification
	could not be built or delivered.
*/

type Notifier struct {
	broker Publisher
	logger *slog.Logger
}

func New(broker Publisher, logger *slog.Logger) *Notifier {
	return &Notifier{
		broker: broker,
		logger: logger.WithGroup("notifier"),
	}
}

func (n *Notifier) publish(topic string, mt models.MessageType, payload any) {
	msg, err := models.NewMessage(topic, mt, payload)
	if err != nil {
		n.logger.Error("failed to build notification", "topic", topic, "type", mt, "error", err)
		return
	}
	n.broker.Publish(msg)
}

// eventTopics returns the event's own topic plus the owning org's topic
// when the event has one.
func eventTopics(ev *models.Event) []string {
	topics := []string{models.EventTopic(ev.ID)}
	if ev.OrgID != "" {
		topics = append(topics, models.OrgTopic(ev.OrgID))
	}
	return topics
}

func (n *Notifier) EventCreated(ev *models.Event) {
	for _, topic := range eventTopics(ev) {
		n.publish(topic, models.MessageEventCreated, models.EventPayload{Event: *ev})
	}
}

func (n *Notifier) EventUpdated(ev *models.Event) {
	for _, topic := range eventTopics(ev) {
		n.publish(topic, models.MessageEventUpdated, models.EventPayload{Event: *ev})
	}
}

func (n *Notifier) EventDeleted(ev *models.Event) {
	for _, topic := range eventTopics(ev) {
		n.publish(topic, models.MessageEventDeleted, models.EventDeletedPayload{EventID: ev.ID})
	}
}

// CapacityChanged publishes the new remaining capacity to the event topic
// only; org followers do not track seat counts.
func (n *Notifier) CapacityChanged(ev *models.Event) {
	n.publish(models.EventTopic(ev.ID), models.MessageEventCapacityChange, models.CapacityChangePayload{
		EventID:           ev.ID,
		RemainingCapacity: ev.Remaining(),
		TotalCapacity:     ev.Capacity,
	})
}

func (n *Notifier) Joined(ev *models.Event, user models.UserRef) {
	n.publish(models.EventTopic(ev.ID), models.MessageEventJoined, models.JoinedPayload{
		EventID: ev.ID,
		User:    user,
	})
}

func (n *Notifier) OrgUpdated(org *models.Organization) {
	n.publish(models.OrgTopic(org.ID), models.MessageOrgUpdated, models.OrgUpdatedPayload{Organization: *org})
}

func (n *Notifier) OrgFollowed(orgID string, followerCount int) {
	n.publish(models.OrgTopic(orgID), models.MessageOrgFollowed, models.OrgFollowedPayload{
		OrganizationID: orgID,
		FollowerCount:  followerCount,
	})
}

func (n *Notifier) NotifyUser(userID string, payload models.NotificationPayload) {
	n.publish(models.UserTopic(userID), models.MessageNotification, payload)
}
