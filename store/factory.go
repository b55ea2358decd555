package store

import (
	"fmt"

	"go.uber.org/zap"
)

// NewRunStore creates a new RunStore based on the configuration
func NewRunStore(config StoreConfig, logger *zap.Logger, opts ...Option) (RunStore, error) {
	switch config.Type {
	case StoreTypeMemory:
		return NewMemoryRunStore(config, logger, opts...), nil
	case StoreTypeFile, "":
		return NewFileRunStore(config, logger, opts...)
	case StoreTypeRedis:
		return NewRedisRunStore(config, logger, opts...)
	default:
		return nil, fmt.Errorf("unsupported run store type: %s", config.Type)
	}
}

// MustNewRunStore creates a new RunStore or panics on error.
//
// WARNING: only use during application initialization. For runtime store
// creation, use NewRunStore instead.
func MustNewRunStore(config StoreConfig, logger *zap.Logger, opts ...Option) RunStore {
	s, err := NewRunStore(config, logger, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to create run store: %v", err))
	}
	return s
}
