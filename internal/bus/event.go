package bus

import "time"

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, e.g. "delivery." receives every delivery event.
const (
	KindChatUpdated     = "chat.updated"
	KindMessageUpserted = "message.upserted"
	KindDeliveryChanged = "delivery.changed"
	KindPresenceUpdated = "presence.updated"
	KindUploadCompleted = "upload.completed"
	KindUploadFailed    = "upload.failed"
	KindRemoteMessage   = "remote.message"
	KindRemoteStatus    = "remote.status"
	KindRemoteChat      = "remote.chat"
	KindSessionStatus   = "session.status_changed"
	KindOutboxCommitted = "outbox.committed"
	KindOutboxFailed    = "outbox.failed"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
