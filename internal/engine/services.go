package engine

import (
	"reflect"
	"sync"
)

// ServiceContainer is the bounded set of named capabilities a workflow
// resolves at construction time, constructor-style rather than through
// reflection decorators: AddServices populates it, IChain resolves from it.
type ServiceContainer struct {
	mu       sync.RWMutex
	services map[reflect.Type]any
}

// NewServiceContainer creates an empty container.
func NewServiceContainer() *ServiceContainer {
	return &ServiceContainer{services: make(map[reflect.Type]any)}
}

// Add registers svc under its concrete type; callers normally use
// AddServices on a Workflow. A lookup by interface goes through
// ResolveInterface, which returns a registered service whose type is
// assignable to the requested interface.
func (c *ServiceContainer) Add(svc any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[reflect.TypeOf(svc)] = svc
}

// ResolveInterface finds a registered service assignable to ifaceType.
func (c *ServiceContainer) ResolveInterface(ifaceType reflect.Type) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for t, svc := range c.services {
		if t.AssignableTo(ifaceType) {
			return svc, true
		}
	}
	return nil, false
}
