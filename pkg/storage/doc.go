// Package storage provides the GORM-backed store for job persistence.
//
// The store is the arbiter of every lease: claiming, completion, failure,
// and reclamation are all conditional updates whose predicates run inside
// the database, never in-process locks. On Postgres the claim additionally
// uses FOR UPDATE SKIP LOCKED so concurrent claimers do not serialize on
// each other's rows.
//
// Most users should import the root package github.com/quarryq/quarry
// which wires a store into a QueueManager.
package storage
