package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/modelrelay/modelrelay/pkg/logger"
)

// Coordinator routes tool invocations by name and owns the lifecycle of
// the sources behind them. Names are the originals; alias un-mapping
// happens before the coordinator is consulted.
type Coordinator struct {
	log *logger.Logger

	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	sources []Source
}

// NewCoordinator creates an empty tool coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		log:   logger.Adapter(),
		tools: make(map[string]Tool),
	}
}

// Add registers a tool under its original name. The first registration
// of a name wins; later duplicates are dropped.
func (c *Coordinator) Add(tool Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := tool.Name()
	if _, ok := c.tools[name]; ok {
		c.log.Debug("duplicate tool ignored", "name", name)
		return
	}
	c.tools[name] = tool
	c.order = append(c.order, name)
}

// AddSource lists a source's tools, registers them all, and keeps the
// source for closing. The listed tools are returned in source order.
func (c *Coordinator) AddSource(ctx context.Context, source Source) ([]Tool, error) {
	tools, err := source.Tools(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.sources = append(c.sources, source)
	c.mu.Unlock()
	for _, t := range tools {
		c.Add(t)
	}
	return tools, nil
}

// Get looks up a tool by its original name.
func (c *Coordinator) Get(name string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[name]
	return t, ok
}

// List returns all tools in registration order.
func (c *Coordinator) List() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tools[name])
	}
	return out
}

// Execute routes one invocation to the named tool.
func (c *Coordinator) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	tool, ok := c.Get(name)
	if !ok {
		return nil, fmt.Errorf("tool %q is not registered", name)
	}
	return tool.Execute(ctx, args)
}

// Close releases every registered source. Safe to call more than once.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	sources := c.sources
	c.sources = nil
	c.mu.Unlock()

	var errs []error
	for _, s := range sources {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close tool source %s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}
