package session

import (
	"context"

	"github.com/scoutx/session-engine/internal/model"
)

// Notifier receives an Event after each committed mutation. Implementations
// must not block; the manager calls Notify while holding the session lock.
type Notifier interface {
	Notify(ctx context.Context, evt model.Event)
}

// Notifiers fans one event out to several notifiers.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, evt model.Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ctx, evt)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, model.Event) {}
