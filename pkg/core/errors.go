package core

import (
	"github.com/pkg/errors"

	"hybridindex/pkg/config"
)

var (
	// ErrInvalidConfig is returned by NewHybridIndex for inconsistent threshold parameters.
	ErrInvalidConfig = config.ErrInvalidConfig

	// ErrClosed is returned once the index has been torn down and not rebuilt.
	ErrClosed = errors.New("hybrid index closed")

	// ErrDrainCancelled marks a flush abandoned mid-drain by teardown.
	ErrDrainCancelled = errors.New("drain cancelled")

	// ErrConcurrencyViolation means a synchronization invariant was broken.
	ErrConcurrencyViolation = errors.New("concurrency violation")

	// ErrStoreInconsistent means a stable store was left half-populated and needs a Build.
	ErrStoreInconsistent = errors.New("stable store inconsistent")

	// ErrUnsortedInput is returned by BulkLoad for input not strictly ascending by key.
	ErrUnsortedInput = errors.New("bulk load input not sorted by unique key")
)
