// Package janitor provides the background sweeper that makes the queue
// crash-tolerant: it reclaims jobs whose worker stalled, relocates exhausted
// jobs into the dead-letter queue, prunes terminal jobs past retention, and
// refreshes the shard registry.
//
// Each sweep is a pure function of current store state. The janitor carries
// no in-memory tracking between ticks, so crashing and restarting it
// mid-sweep is harmless.
package janitor
