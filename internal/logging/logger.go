// Package logging provides category-keyed structured logging for cortex.
// Every subsystem logs through a named zap logger so operators can filter
// one concern (store, engine, action, ...) without drowning in the rest.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot    Category = "boot"    // startup and wiring
	CategoryStore   Category = "store"   // canonical store operations
	CategoryIndex   Category = "index"   // vector/graph index propagation
	CategoryFusion  Category = "fusion"  // context integration
	CategoryEngine  Category = "engine"  // decision pipeline
	CategoryIntent  Category = "intent"  // intent resolution
	CategoryAction  Category = "action"  // action hub
	CategoryExplain Category = "explain" // decision graph and audit
	CategoryBroker  Category = "broker"  // pub/sub fan-out
	CategoryServer  Category = "server"  // HTTP API
)

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	loggers = make(map[Category]*zap.Logger)
)

// Initialize installs the process-wide root logger. debug selects a
// development config with human-readable output; production emits JSON.
// Safe to call more than once; later calls replace the root and invalidate
// cached category loggers.
func Initialize(debug bool) error {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		l, err = cfg.Build()
	}
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	root = l
	loggers = make(map[Category]*zap.Logger)
	return nil
}

// Get returns the logger for a category, creating it on first use.
func Get(c Category) *zap.Logger {
	mu.RLock()
	if l, ok := loggers[c]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[c]; ok {
		return l
	}
	l := root.Named(string(c))
	loggers[c] = l
	return l
}

// S returns the sugared logger for a category, for printf-style call sites.
func S(c Category) *zap.SugaredLogger {
	return Get(c).Sugar()
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
