// Package manager provides the QueueManager, the sole owner of the backing
// store. Every job lifecycle mutation is funneled through it so the state
// machine invariants are enforced in one place.
package manager
