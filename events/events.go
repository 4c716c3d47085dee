// Package events publishes index lifecycle notifications so downstream
// consumers (search frontends, webhook bridges) can follow the node without
// polling. Publishing is best-effort: a failed notification never fails the
// projection that caused it.
package events

import (
	"time"

	"github.com/oipwg/oipd/record"
)

// Routing keys on the exchange.
const (
	KeyRecordIndexed      = "record.indexed"
	KeyRecordDeleted      = "record.deleted"
	KeyTemplateRegistered = "template.registered"
)

// Event is the wire body of one notification.
type Event struct {
	Key        string    `json:"key"`
	DID        string    `json:"did,omitempty"`
	RecordType string    `json:"recordType,omitempty"`
	Backend    string    `json:"backend,omitempty"`
	Template   string    `json:"template,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Notifier publishes index lifecycle events.
type Notifier interface {
	RecordIndexed(rec *record.Record)
	RecordDeleted(did, origin string)
	TemplateRegistered(name string)
	Close() error
}

// Nop is the notifier used when no broker is configured.
type Nop struct{}

func (Nop) RecordIndexed(*record.Record) {}
func (Nop) RecordDeleted(string, string) {}
func (Nop) TemplateRegistered(string)    {}
func (Nop) Close() error                 { return nil }

func indexedEvent(rec *record.Record) Event {
	return Event{
		Key:        KeyRecordIndexed,
		DID:        rec.OIP.DID,
		RecordType: rec.OIP.RecordType,
		Backend:    string(rec.OIP.Backend),
		OccurredAt: time.Now().UTC(),
	}
}

func deletedEvent(did, origin string) Event {
	return Event{
		Key:        KeyRecordDeleted,
		DID:        did,
		Backend:    origin,
		OccurredAt: time.Now().UTC(),
	}
}

func templateEvent(name string) Event {
	return Event{
		Key:        KeyTemplateRegistered,
		Template:   name,
		OccurredAt: time.Now().UTC(),
	}
}
