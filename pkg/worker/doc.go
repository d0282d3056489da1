// Package worker provides the client-facing handle used by job-processing
// code: it leases jobs for a shard, renews leases, and reports terminal
// outcomes. The Runner builds a polling process loop on top of the handle.
//
// Most users should import the root package github.com/quarryq/quarry
// which re-exports Worker and Runner.
package worker
