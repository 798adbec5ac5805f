// Package modules starts and stops the long-running parts of the process.
package modules

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// Module is a component with a lifecycle.
type Module interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager coordinates lifecycle of all registered modules.
type Manager struct {
	modules []Module
	mu      sync.Mutex
	started bool
}

func NewManager(mods ...Module) *Manager {
	return &Manager{modules: mods}
}

// Start starts modules in order. If one fails, the ones already started are stopped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("modules.Manager already started")
	}

	started := make([]Module, 0, len(m.modules))
	for _, mod := range m.modules {
		if mod == nil {
			continue
		}
		if err := mod.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := started[i].Stop(ctx); stopErr != nil {
					log.Printf("modules: stop %s: %v", started[i].Name(), stopErr)
				}
			}
			return fmt.Errorf("module %s failed: %w", mod.Name(), err)
		}
		log.Printf("modules: %s started", mod.Name())
		started = append(started, mod)
	}

	m.started = true
	return nil
}

// Stop shuts down all modules in reverse order and returns every error.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	var errs []error
	for i := len(m.modules) - 1; i >= 0; i-- {
		mod := m.modules[i]
		if mod == nil {
			continue
		}
		if err := mod.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("module %s: %w", mod.Name(), err))
			continue
		}
		log.Printf("modules: %s stopped", mod.Name())
	}
	m.started = false
	return errors.Join(errs...)
}

// Closer adapts a resource that only needs closing, such as a store, into a Module.
func Closer(name string, closeFn func() error) Module {
	return closer{name: name, close: closeFn}
}

type closer struct {
	name  string
	close func() error
}

func (c closer) Name() string                { return c.name }
func (c closer) Start(context.Context) error { return nil }
func (c closer) Stop(context.Context) error  { return c.close() }
