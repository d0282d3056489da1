package manager

import (
	"log/slog"

	"github.com/quarryq/quarry/pkg/objectstore"
)

// ManagerConfig holds manager-level settings.
type ManagerConfig struct {
	// Shards is the set of partition ids this manager creates jobs into.
	// They are registered in the shard registry at startup so workers and
	// janitors in other processes can discover them.
	Shards []string

	// OffloadThreshold is the payload size in bytes above which payloads
	// are stored externally. Zero disables offloading even when an object
	// store is configured.
	OffloadThreshold int

	// PayloadBucket is the object-store bucket offloaded payloads live in.
	PayloadBucket string
}

// DefaultManagerConfig returns a single-shard config with offloading off.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Shards:        []string{"shard-0"},
		PayloadBucket: "quarry-payloads",
	}
}

// Option configures a Manager.
type Option interface {
	apply(*Manager)
}

type optionFunc func(*Manager)

func (f optionFunc) apply(m *Manager) { f(m) }

// WithShards sets the shard set the manager creates jobs into.
func WithShards(ids ...string) Option {
	return optionFunc(func(m *Manager) {
		m.cfg.Shards = ids
	})
}

// WithObjectStore enables payload offloading: payloads larger than threshold
// bytes are written to the store and jobs carry a reference instead.
func WithObjectStore(store objectstore.Store, threshold int) Option {
	return optionFunc(func(m *Manager) {
		m.objects = store
		m.cfg.OffloadThreshold = threshold
	})
}

// WithPayloadBucket sets the bucket offloaded payloads are written to.
func WithPayloadBucket(bucket string) Option {
	return optionFunc(func(m *Manager) {
		m.cfg.PayloadBucket = bucket
	})
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(m *Manager) {
		m.logger = logger
	})
}
