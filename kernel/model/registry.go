package model

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ApplicationType is the controller-side half of an Application: it turns declared settings into
// the command the in-guest agent executes.
type ApplicationType interface {
	Label() string
	Configure(settings map[string]any) error
	Launch() AppCommand
}

// AppCommand is what the agent is asked to run for an Application.
type AppCommand struct {
	Argv []string
	Env  map[string]string
	// ReadyPattern, when set, delays the started event until a stdout line matches it.
	ReadyPattern string
	// Builtin names a collector built into the agent, run with Params instead of Argv.
	Builtin string
	Params  map[string]any
	// Overrun is how long the Application legitimately runs past its runtime.
	Overrun time.Duration
}

// IntegrationType describes a host-side helper program.
type IntegrationType interface {
	Label() string
	Configure(settings map[string]any) error
	StartCommand() []string
	StopCommand() []string
	// Await reports whether the runner must wait for the start command to exit, and for how long.
	Await() (bool, time.Duration)
}

// Registry maps a type name to a factory for a fixed interface.
type Registry[T any] struct {
	kind      string
	mu        sync.RWMutex
	factories map[string]func() T
}

func NewRegistry[T any](kind string) *Registry[T] {
	return &Registry[T]{kind: kind, factories: make(map[string]func() T)}
}

// Register adds a factory, panicking on duplicate registration.
// e.g. Register("iperf3-server", func() ApplicationType { return &Iperf3Server{} })
func (r *Registry[T]) Register(typeName string, factory func() T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[typeName]; dup {
		panic(fmt.Sprintf("%s type %s registered twice", r.kind, typeName))
	}
	r.factories[typeName] = factory
}

// Get creates a new instance of the type by name.
func (r *Registry[T]) Get(typeName string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[typeName]
	if !ok {
		var zero T
		return zero, errors.Errorf("%s type '%s' not found in registry", r.kind, typeName)
	}
	return factory(), nil
}

func (r *Registry[T]) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeName]
	return ok
}

func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	applicationTypes = NewRegistry[ApplicationType]("application")
	integrationTypes = NewRegistry[IntegrationType]("integration")
)

func RegisterApplicationType(typeName string, factory func() ApplicationType) {
	applicationTypes.Register(typeName, factory)
}

func RegisterIntegrationType(typeName string, factory func() IntegrationType) {
	integrationTypes.Register(typeName, factory)
}

// Resolver looks Application and Integration types up in the bundled registries first and then
// in the registries populated from the testbed package.
type Resolver struct {
	Package             *Registry[ApplicationType]
	PackageIntegrations *Registry[IntegrationType]
}

func NewResolver() *Resolver {
	return &Resolver{
		Package:             NewRegistry[ApplicationType]("package application"),
		PackageIntegrations: NewRegistry[IntegrationType]("package integration"),
	}
}

func (r *Resolver) Resolve(typeName string) (ApplicationType, error) {
	if applicationTypes.Has(typeName) {
		return applicationTypes.Get(typeName)
	}
	if r != nil && r.Package != nil && r.Package.Has(typeName) {
		return r.Package.Get(typeName)
	}
	return nil, errors.Errorf("application type '%s' is neither bundled nor provided by the testbed package", typeName)
}

func (r *Resolver) ResolveIntegration(typeName string) (IntegrationType, error) {
	if integrationTypes.Has(typeName) {
		return integrationTypes.Get(typeName)
	}
	if r != nil && r.PackageIntegrations != nil && r.PackageIntegrations.Has(typeName) {
		return r.PackageIntegrations.Get(typeName)
	}
	return nil, errors.Errorf("integration type '%s' is neither bundled nor provided by the testbed package", typeName)
}

// Configured resolves and configures the type of a declared Application.
func (r *Resolver) Configured(app *Application) (ApplicationType, error) {
	t, err := r.Resolve(app.Type)
	if err != nil {
		return nil, err
	}
	if err := t.Configure(app.Settings); err != nil {
		return nil, errors.Wrapf(err, "application [%s] of type [%s]", app.Key(), app.Type)
	}
	return t, nil
}

// ConfiguredIntegration resolves and configures the type of a declared Integration.
func (r *Resolver) ConfiguredIntegration(i *Integration) (IntegrationType, error) {
	t, err := r.ResolveIntegration(i.Type)
	if err != nil {
		return nil, err
	}
	if err := t.Configure(i.Settings); err != nil {
		return nil, errors.Wrapf(err, "integration [%s] of type [%s]", i.Name, i.Type)
	}
	return t, nil
}
