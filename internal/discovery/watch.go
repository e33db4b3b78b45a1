package discovery

import (
	"context"
	"time"
)

// WatchEventKind distinguishes appearance/disappearance of a Core
// across successive Discover rounds.
type WatchEventKind int

const (
	CoreFound WatchEventKind = iota
	CoreLost
)

// WatchEvent is emitted by Watch when a Core appears or disappears
// relative to the previous round.
type WatchEvent struct {
	Kind WatchEventKind
	Core Core
}

// Watch re-runs Discover on a ticker and diffs the result set into
// CoreFound/CoreLost events, wiring up the reserved CoreFound/CoreLost
// EventKinds a consumer's events sink otherwise has no producer for
// (spec §6 reserves them without specifying a continuous procedure).
// The returned channel is closed when ctx is done.
func Watch(ctx context.Context, interval time.Duration, cfg Config) <-chan WatchEvent {
	out := make(chan WatchEvent, 8)

	go func() {
		defer close(out)

		seen := make(map[string]Core)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		poll := func() {
			found, err := Discover(ctx, cfg)
			if err != nil {
				return
			}

			for id, core := range found {
				if _, ok := seen[id]; !ok {
					select {
					case out <- WatchEvent{Kind: CoreFound, Core: core}:
					case <-ctx.Done():
						return
					}
				}
			}
			for id, core := range seen {
				if _, ok := found[id]; !ok {
					select {
					case out <- WatchEvent{Kind: CoreLost, Core: core}:
					case <-ctx.Done():
						return
					}
				}
			}
			seen = found
		}

		poll()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poll()
			}
		}
	}()

	return out
}
