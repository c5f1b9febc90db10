package testutil

import (
	"context"

	"drivedb-go/internal/remote"
)

// StubFeed replays a fixed sequence of change events and then closes.
type StubFeed struct {
	events []remote.Event
}

func NewStubFeed(events ...remote.Event) *StubFeed {
	return &StubFeed{events: events}
}

func (f *StubFeed) Events(_ context.Context) (<-chan remote.Event, error) {
	ch := make(chan remote.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

var _ remote.EventFeed = (*StubFeed)(nil)
