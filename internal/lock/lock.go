// Package lock serializes work on a single voter ID, either within one
// process or across instances sharing a Redis server.
package lock

import "context"

// Locker acquires an exclusive lock on key. The returned unlock func is safe
// to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}
