package progress

import "time"

// Event names exchanged over the realtime transport. The three lifecycle
// events mirror the transport's own connection callbacks; the progress events
// carry the payloads below inside a {event, data} JSON envelope.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"

	EventSubscribe      = "progress_subscribe"
	EventUnsubscribe    = "progress_unsubscribe"
	EventUpdate         = "progress_update"
	EventUpdated        = "progress_updated"
	EventUpdateResponse = "progress_update_response"
	EventUpdateError    = "progress_update_error"
)

// SubscribePayload accompanies progress_subscribe and progress_unsubscribe.
type SubscribePayload struct {
	ModuleID string `json:"moduleId"`
}

// UpdateRequest is the outbound progress_update payload. Lesson and Chapter
// are the wire names for the record's CurrentLesson/CurrentChapter fields.
type UpdateRequest struct {
	ModuleID    string    `json:"moduleId"`
	UserID      string    `json:"userId"`
	Lesson      string    `json:"lesson,omitempty"`
	Chapter     string    `json:"chapter,omitempty"`
	Content     string    `json:"content,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	Status      Status    `json:"status"`
	Progress    *float64  `json:"progress,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// UpdateResponse acknowledges a progress_update. Success false means the
// server rejected the update; Message carries the reason when present.
type UpdateResponse struct {
	ModuleID string   `json:"moduleId"`
	Success  bool     `json:"success"`
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// UpdateError is the negative acknowledgement pushed as progress_update_error.
type UpdateError struct {
	ModuleID string `json:"moduleId"`
	Error    string `json:"error"`
}
