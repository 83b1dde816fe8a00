package eventbus

import "carbonbot/internal/domain"

type Type string

const (
	Subscribed        Type = "subscriber.subscribed"
	Unsubscribed      Type = "subscriber.unsubscribed"
	RoleChanged       Type = "role.changed"
	BroadcastFinished Type = "broadcast.finished"
	TickFinished      Type = "tick.finished"
	RecordIngested    Type = "record.ingested"
	ConfigReloaded    Type = "config.reloaded"
)

type SubscriberEvent struct {
	ID domain.SubscriberID
}

type RoleEvent struct {
	ID   domain.SubscriberID
	Role string
}

type BroadcastEvent struct {
	JobID     string
	Trigger   string
	Delivered int
	Failed    int
}

type RecordEvent struct {
	Record domain.Record
	// Broadcast is nil when nothing was announced: persistence failed or a
	// newer record was already stored.
	Broadcast *BroadcastEvent
	Err       string
}

type ConfigEvent struct {
	Sections []string
}
