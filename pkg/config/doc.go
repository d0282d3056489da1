// Package config loads process-level configuration from the environment.
// Library callers that wire everything in code can ignore it.
package config
