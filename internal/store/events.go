package store

import "github.com/methings/agentd/pkg/protocol"

type eventedStore struct {
	Store
	publish func(protocol.AuditEvent)
}

// WithEvents wraps s so every appended audit row is also handed to publish.
// The gateway uses this to feed its live log streams without polling.
func WithEvents(s Store, publish func(protocol.AuditEvent)) Store {
	return &eventedStore{Store: s, publish: publish}
}

func (e *eventedStore) AppendAudit(event string, data map[string]interface{}) (protocol.AuditEvent, error) {
	ev, err := e.Store.AppendAudit(event, data)
	if err == nil && e.publish != nil {
		e.publish(ev)
	}
	return ev, err
}
