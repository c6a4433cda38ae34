package ports

import "github.com/eleven-am/conduit/internal/domain"

// EventPublisher fans execution and document progress out to live
// subscribers. Publishing is fire-and-forget: a slow or absent subscriber
// never blocks the caller, and a missed update is corrected by the next
// snapshot fetch.
type EventPublisher interface {
	Publish(event domain.Event)
	Subscribe() (<-chan domain.Event, func())
	Close() error
}
