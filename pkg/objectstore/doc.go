// Package objectstore defines the narrow byte-addressable boundary used to
// offload large job payloads, plus Redis and in-memory implementations.
//
// The queue core only ever needs Get and Put; every other provider behavior
// is out of scope.
package objectstore
