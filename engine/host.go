package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/micromdm/nanowf/engine/storage"
	"github.com/micromdm/nanowf/logkeys"
	"github.com/micromdm/nanowf/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrNoSuchProgram   = errors.New("no such program")
	ErrNoSuchInstance  = errors.New("no such instance")
	ErrMissingInstance = errors.New("missing instance id")
)

func NewErrNoSuchProgram(name string) error {
	return fmt.Errorf("%w: %s", ErrNoSuchProgram, name)
}

// RunnerFactory constructs a fresh runner for a named program. Every
// call must produce an equivalently-shaped program so persisted state
// restores onto it.
type RunnerFactory func() workflow.Runner

// Host manages the loaded instances of registered programs so callers
// (e.g. the HTTP API) can address them by instance id, loading from
// the store on demand.
type Host struct {
	store  storage.Store
	logger log.Logger

	programsMu sync.RWMutex
	programs   map[string]RunnerFactory

	instancesMu sync.RWMutex
	instances   map[string]*Instance
	// program name per instance id, for reload after unload
	instancePrograms map[string]string

	// loadMu single-flights Load so two reloads of the same id cannot
	// both construct an instance and evict each other's map entry
	loadMu sync.Mutex

	instanceOpts []Option
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithHostLogger sets the host logger.
func WithHostLogger(logger log.Logger) HostOption {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithInstanceOptions appends options applied to every hosted
// instance.
func WithInstanceOptions(opts ...Option) HostOption {
	return func(h *Host) {
		h.instanceOpts = append(h.instanceOpts, opts...)
	}
}

// NewHost creates a host over store.
func NewHost(store storage.Store, opts ...HostOption) *Host {
	h := &Host{
		store:            store,
		logger:           log.NopLogger,
		programs:         make(map[string]RunnerFactory),
		instances:        make(map[string]*Instance),
		instancePrograms: make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterProgram associates the named program factory with the host.
func (h *Host) RegisterProgram(name string, factory RunnerFactory) {
	h.programsMu.Lock()
	defer h.programsMu.Unlock()
	h.programs[name] = factory
	h.logger.Debug(logkeys.Message, "registered program", "name", name)
}

// UnregisterProgram dissociates the named program from the host.
func (h *Host) UnregisterProgram(name string) {
	h.programsMu.Lock()
	defer h.programsMu.Unlock()
	delete(h.programs, name)
	h.logger.Debug(logkeys.Message, "unregistered program", "name", name)
}

func (h *Host) factory(name string) RunnerFactory {
	h.programsMu.RLock()
	defer h.programsMu.RUnlock()
	return h.programs[name]
}

// newInstance builds a hosted instance that removes itself from the
// host on unload and abort, composing any host-provided handlers.
func (h *Host) newInstance(programName string, factory RunnerFactory, opts ...Option) *Instance {
	opts = append(append([]Option{WithLogger(h.logger)}, h.instanceOpts...), opts...)
	opts = append(opts, h.selfEvictOption())
	instance := New(factory(), h.store, opts...)
	id := instance.ID()
	h.instancesMu.Lock()
	h.instances[id] = instance
	h.instancePrograms[id] = programName
	h.instancesMu.Unlock()
	return instance
}

// selfEvictOption chains eviction in front of any caller-provided
// Unloaded and Aborted handlers, so a dead instance never lingers in
// the host's map. Applied last; it wraps whatever the earlier options
// installed.
func (h *Host) selfEvictOption() Option {
	return func(i *Instance) {
		unloaded := i.handlers.unloaded
		i.handlers.unloaded = func(ctx context.Context) {
			h.evict(i.ID())
			if unloaded != nil {
				unloaded(ctx)
			}
		}
		aborted := i.handlers.aborted
		i.handlers.aborted = func(reason error) {
			h.evict(i.ID())
			if aborted != nil {
				aborted(reason)
			}
		}
	}
}

// evict drops the instance from the host (it stays in the store if it
// was persisted).
func (h *Host) evict(instanceID string) {
	h.instancesMu.Lock()
	delete(h.instances, instanceID)
	h.instancesMu.Unlock()
}

// Start creates a new instance of the named program and runs it. The
// persistence metadata records the program name so the instance can be
// reloaded by id later.
func (h *Host) Start(ctx context.Context, programName string) (string, error) {
	factory := h.factory(programName)
	if factory == nil {
		return "", NewErrNoSuchProgram(programName)
	}
	instance := h.newInstance(programName, factory)
	id := instance.ID()
	logger := ctxlog.Logger(ctx, h.logger).With(
		logkeys.InstanceID, id,
		"name", programName,
	)
	if err := instance.Run(ctx); err != nil {
		h.evict(id)
		logger.Info(logkeys.Message, "starting instance", logkeys.Error, err)
		return "", fmt.Errorf("starting instance: %w", err)
	}
	logger.Debug(logkeys.Message, "started instance")
	return id, nil
}

// Get returns the loaded instance by id, or nil.
func (h *Host) Get(instanceID string) *Instance {
	h.instancesMu.RLock()
	defer h.instancesMu.RUnlock()
	return h.instances[instanceID]
}

// Load returns the loaded instance by id, reloading it from the store
// under a fresh runner when it is not in memory. programName is only
// required when the host has never seen the instance.
func (h *Host) Load(ctx context.Context, instanceID, programName string) (*Instance, error) {
	if instanceID == "" {
		return nil, ErrMissingInstance
	}
	if instance := h.Get(instanceID); instance != nil {
		return instance, nil
	}
	h.loadMu.Lock()
	defer h.loadMu.Unlock()
	// a concurrent load may have won while we waited
	if instance := h.Get(instanceID); instance != nil {
		return instance, nil
	}
	if programName == "" {
		h.instancesMu.RLock()
		programName = h.instancePrograms[instanceID]
		h.instancesMu.RUnlock()
	}
	factory := h.factory(programName)
	if factory == nil {
		return nil, NewErrNoSuchProgram(programName)
	}
	instance := h.newInstance(programName, factory, WithInstanceID(instanceID))
	if err := instance.Load(ctx, instanceID); err != nil {
		h.evict(instanceID)
		return nil, err
	}
	ctxlog.Logger(ctx, h.logger).Debug(
		logkeys.Message, "loaded instance",
		logkeys.InstanceID, instanceID,
	)
	return instance, nil
}

// Unload persists and evicts the instance by id.
func (h *Host) Unload(ctx context.Context, instanceID string) error {
	instance := h.Get(instanceID)
	if instance == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchInstance, instanceID)
	}
	if err := instance.Unload(ctx); err != nil {
		return err
	}
	h.evict(instanceID)
	return nil
}
