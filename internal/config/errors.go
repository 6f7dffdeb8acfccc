package config

import (
	"errors"
	"fmt"
)

// Validation failures wrap ErrInvalidConfig; read and decode failures wrap
// ErrLoadConfig.
var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLoadConfig    = errors.New("load config failed")

	// ErrStoreDriver marks a store_driver that is unknown or lacks its
	// connection setting.
	ErrStoreDriver = fmt.Errorf("%w: store", ErrInvalidConfig)
)
