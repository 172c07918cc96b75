package michi

import "context"

// Publisher receives domain events after the store commit they describe.
// Registered via WithPublisher; every publisher sees every event.
// Publish runs on the request path, so implementations must not block for
// long. Failures are logged and counted but never fail the originating
// request.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}
