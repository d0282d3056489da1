// Package core provides the fundamental types for the quarry packages.
//
// This package contains:
//   - Job, JobInit, and JobUpdate data models with GORM annotations
//   - The JobState machine and its transitions
//   - The closed error taxonomy callers match on with errors.Is
//   - Validation limits and sanitization helpers
//
// Most users should import the root package github.com/quarryq/quarry
// instead of this package directly.
package core
