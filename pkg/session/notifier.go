package session

// Session lifecycle event names.
const (
	EventSessionCreated   = "session.created"
	EventChunkAccepted    = "chunk.accepted"
	EventSessionTabulated = "session.tabulated"
	EventSessionCleared   = "session.cleared"
)

// Notifier receives session lifecycle events. Publish must not block.
type Notifier interface {
	Publish(event string, data interface{})
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, interface{}) {}
