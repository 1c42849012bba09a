package creator

import (
	"context"
	"encoding/json"
	"fmt"
)

// NotificationActivityType is the well-known activity type any notification
// processor is expected to handle.
const NotificationActivityType = "notification"

// NotificationActivityData is the payload of a notification activity.
// original_source/src/pypeline/notification.py's create_notification_activity
// has a copy-paste bug (it references undefined locals); CreateNotification
// below builds a well-formed payload instead of reproducing it, per
// spec.md §9's resolution of that Open Question.
type NotificationActivityData struct {
	Source        string   `json:"source"`
	Notifications []string `json:"notifications"`
}

func (d NotificationActivityData) toJSON() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("creator: encode notification payload: %w", err)
	}
	return string(b), nil
}

// CreateNotification creates a single notification activity carrying
// notifications on behalf of createdBy.
func (c *Creator) CreateNotification(ctx context.Context, createdBy string, notifications []string) error {
	payload, err := NotificationActivityData{Source: createdBy, Notifications: notifications}.toJSON()
	if err != nil {
		return err
	}
	authorized := map[string]struct{}{NotificationActivityType: {}}
	return c.CreateActivity(ctx, NotificationActivityType, payload, createdBy, authorized)
}
