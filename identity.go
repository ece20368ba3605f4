package flowpipe

import "github.com/google/uuid"

// newIdentity returns a fresh, process-unique identity string for a
// connector, node, or pipeline. The original implementation this
// package is modeled on used the interpreter's object id (or, for
// nodes, a random UUID4); we use real UUIDs throughout so identities
// are stable and comparable across goroutines without relying on
// memory addresses.
func newIdentity() string {
	return uuid.New().String()
}
