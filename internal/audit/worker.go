package audit

import "context"

// Worker consumes audit events from a channel and persists them. Ops events
// (job failures, breaker trips) go through this mailbox so emitting them
// never blocks a worker; compliance events bypass it and append fail-closed.
type Worker struct {
	store Store
	inbox <-chan Event
}

func NewWorker(store Store, inbox <-chan Event) *Worker {
	return &Worker{store: store, inbox: inbox}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-w.inbox:
			if err := w.store.Append(ctx, event); err != nil {
				return err
			}
		}
	}
}
