package eventing

import "context"

// On registers a handler for events of type T, discarding events whose
// dynamic type does not match.
func On[T any](bus EventBus, handler func(ctx context.Context, event T) error) {
	bus.Subscribe(EventTypeOf[T](), func(ctx context.Context, event any) error {
		typed, ok := event.(T)
		if !ok {
			if ptr, okPtr := event.(*T); okPtr {
				typed = *ptr
			} else {
				return nil
			}
		}
		return handler(ctx, typed)
	})
}
