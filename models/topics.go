package models

import (
	"fmt"
	"strings"
)

/*
	Topic names are the broadcast channel keys the broker fans out on.
	Three kinds exist, all lowercase and colon-delimited with an opaque
	entity id: "user:<id>", "event:<id>", "org:<id>".
*/

const (
	TopicKindUser  = "user"
	TopicKindEvent = "event"
	TopicKindOrg   = "org"
)

// UserTopic returns the topic carrying direct notifications for one user.
func UserTopic(userID string) string {
	return fmt.Sprintf("%s:%s", TopicKindUser, userID)
}

// EventTopic returns the topic carrying changes for one event.
func EventTopic(eventID string) string {
	return fmt.Sprintf("%s:%s", TopicKindEvent, eventID)
}

// OrgTopic returns the topic carrying changes for one organization.
func OrgTopic(orgID string) string {
	return fmt.Sprintf("%s:%s", TopicKindOrg, orgID)
}

// ValidTopic reports whether s is a well-formed topic name.
func ValidTopic(s string) bool {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return false
	}
	switch kind {
	case TopicKindUser, TopicKindEvent, TopicKindOrg:
		return true
	}
	return false
}
