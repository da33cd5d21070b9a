// Package ftsm implements the fault-tolerant state-machine runtime: a
// lifecycle driven by overridable phase handlers, reconciled against a
// declared dependency/monitor spec read from a shared document store, with
// background tasks that ingest dependency health and publish the current
// state back to the store.
package ftsm

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"fleetcomm/store"
)

// State is one of the FTSM lifecycle states.
type State string

const (
	StateInit       State = "INIT"
	StateConfiguring State = "CONFIGURING"
	StateReady      State = "READY"
	StateRunning    State = "RUNNING"
	StateRecovering State = "RECOVERING"
	StateStopped    State = "STOPPED"
)

// Transition is a string constant a phase handler returns to select the
// machine's next state.
type Transition string

const (
	TransitionInitialised     Transition = "INITIALISED"
	TransitionDoneConfiguring Transition = "DONE_CONFIGURING"
	TransitionRun             Transition = "RUN"
	TransitionRecover         Transition = "RECOVER"
	TransitionWait            Transition = "WAIT"
	TransitionContinue        Transition = "CONTINUE"
	TransitionStop            Transition = "STOP"
	TransitionRestart         Transition = "RESTART"
	TransitionFailed          Transition = "FAILED"
)

// Dependency-monitor constants, per spec §3/§4.2.3.
const (
	MonitorTypeHeartbeat  = "heartbeat"
	MonitorTypeFunctional = "functional"
	monitorSpecNone       = "none"
	rosCoreDependency     = "roscore"
	rosMasterMonitorSpec  = "ros/ros_master_monitor"
)

// Handlers is the set of overridable phase methods a component supplies.
// Running and Recovering have no default and must be implemented; the
// lifecycle package provides Defaults for the rest.
type Handlers interface {
	Init() Transition
	Configuring() Transition
	Ready() Transition
	Running() Transition
	Recovering() Transition
	ProcessDependStatuses() Transition
	SetupROS()
	TearDownROS()
}

// Spec is the component's declared dependency tree, compared against the
// store's spec at construction.
type Spec struct {
	Dependencies       []string
	DependencyMonitors map[string]map[string]string // monitor_type -> dependency_name -> monitor_spec
}

func normalizeSpec(s Spec) Spec {
	out := Spec{
		Dependencies:       append([]string{}, s.Dependencies...),
		DependencyMonitors: map[string]map[string]string{},
	}
	for monitorType, deps := range s.DependencyMonitors {
		inner := map[string]string{}
		for dep, spec := range deps {
			inner[dep] = spec
		}
		out.DependencyMonitors[monitorType] = inner
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) != len(b) {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func equalMonitors(a, b map[string]map[string]string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Kind classifies an Error per spec §7.
type Kind int

const (
	KindConfiguration Kind = iota
	KindTransientStore
	KindTransport
	KindParse
	KindTimeout
	KindProgrammer
)

// Error is the structured error raised for fatal construction failures, per
// spec §9 ("kind=ConfigurationMismatch and an expected payload").
type Error struct {
	Kind     Kind
	Message  string
	Expected any
}

func (e *Error) Error() string { return e.Message }

// StoreFactory opens a fresh store.Store handle. The FTSM core calls it
// once per background task, per spec §5 ("each background task owns its
// own store-client handle to avoid contention").
type StoreFactory func(ctx context.Context) (store.Store, error)

type options struct {
	debug               bool
	maxRecoveryAttempts int
	componentsCollection string
	statusCollection    string
	smStateCollection   string
	backgroundPeriod    time.Duration
	constructionBackoff time.Duration
	rosPollInterval     time.Duration
}

func defaultOptions() options {
	return options{
		maxRecoveryAttempts:  1,
		componentsCollection: store.CollectionComponents,
		statusCollection:     store.CollectionStatus,
		smStateCollection:    store.CollectionSMStates,
		backgroundPeriod:     500 * time.Millisecond,
		constructionBackoff:  500 * time.Millisecond,
		rosPollInterval:      100 * time.Millisecond,
	}
}

// Option configures NewFTSM.
type Option func(*options)

// WithDebug skips the stored-spec comparison at construction (spec §4.2,
// "debug mode skips").
func WithDebug() Option { return func(o *options) { o.debug = true } }

// WithMaxRecoveryAttempts overrides the default of 1.
func WithMaxRecoveryAttempts(n int) Option {
	return func(o *options) { o.maxRecoveryAttempts = n }
}

// WithCollections overrides the default components/status/sm-state
// collection names.
func WithCollections(components, status, smStates string) Option {
	return func(o *options) {
		if components != "" {
			o.componentsCollection = components
		}
		if status != "" {
			o.statusCollection = status
		}
		if smStates != "" {
			o.smStateCollection = smStates
		}
	}
}

// WithBackgroundPeriod overrides the 500ms reconciler/publisher cadence.
// Intended for tests.
func WithBackgroundPeriod(d time.Duration) Option {
	return func(o *options) { o.backgroundPeriod = d }
}

// WithConstructionBackoff overrides the 500ms retry backoff used while
// fetching the stored spec. Intended for tests.
func WithConstructionBackoff(d time.Duration) Option {
	return func(o *options) { o.constructionBackoff = d }
}

// WithROSPollInterval overrides the 100ms ROS-master liveness poll.
// Intended for tests.
func WithROSPollInterval(d time.Duration) Option {
	return func(o *options) { o.rosPollInterval = d }
}

// FTSM is the fault-tolerant state-machine runtime for one component.
type FTSM struct {
	name         string
	spec         Spec
	handlers     Handlers
	storeFactory StoreFactory
	opts         options

	stateMu          sync.RWMutex
	currentState     State
	recoveryAttempts int

	dependMu       sync.RWMutex
	dependStatuses map[string]map[string]map[string]string

	isRunningFlag int32

	bgCancel context.CancelFunc
	doneWG   sync.WaitGroup
}

// NewFTSM performs strict-mode construction (spec §4.2): it reads the
// component's declared spec from the store (retrying indefinitely on
// transient errors), validates it against the locally declared spec unless
// WithDebug is given, initialises dependStatuses, and spawns the
// dependency-status reconciler and the state publisher.
func NewFTSM(ctx context.Context, name string, spec Spec, handlers Handlers, storeFactory StoreFactory, opts ...Option) (*FTSM, error) {
	if name == "" {
		return nil, errors.New("ftsm: name is required")
	}
	if handlers == nil {
		return nil, errors.New("ftsm: nil handlers")
	}
	if storeFactory == nil {
		return nil, errors.New("ftsm: nil store factory")
	}

	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}

	f := &FTSM{
		name:           name,
		spec:           normalizeSpec(spec),
		handlers:       handlers,
		storeFactory:   storeFactory,
		opts:           cfg,
		currentState:   StateInit,
		dependStatuses: map[string]map[string]map[string]string{},
	}

	if !cfg.debug {
		st, err := storeFactory(ctx)
		if err != nil {
			return nil, fmt.Errorf("ftsm: open store for construction: %w", err)
		}
		storedSpec, err := f.fetchStoredSpec(ctx, st)
		closeErr := st.Close()
		if err != nil {
			if closeErr != nil {
				return nil, fmt.Errorf("%w (also failed to close store: %v)", err, closeErr)
			}
			return nil, err
		}

		if !equalStrings(f.spec.Dependencies, storedSpec.Dependencies) {
			return nil, &Error{
				Kind:     KindConfiguration,
				Message:  fmt.Sprintf("[%s] component dependencies do not match the dependencies in the specification; expected %v", name, storedSpec.Dependencies),
				Expected: storedSpec.Dependencies,
			}
		}
		if !equalMonitors(f.spec.DependencyMonitors, storedSpec.DependencyMonitors) {
			return nil, &Error{
				Kind:     KindConfiguration,
				Message:  fmt.Sprintf("[%s] dependency monitors do not match the monitors in the specification; expected %v", name, storedSpec.DependencyMonitors),
				Expected: storedSpec.DependencyMonitors,
			}
		}
	}

	f.initDependStatuses()

	bgCtx, cancel := context.WithCancel(context.Background())
	f.bgCancel = cancel
	f.doneWG.Add(2)
	go f.runReconciler(bgCtx)
	go f.runPublisher(bgCtx)

	return f, nil
}

func (f *FTSM) initDependStatuses() {
	f.dependMu.Lock()
	defer f.dependMu.Unlock()
	for monitorType, deps := range f.spec.DependencyMonitors {
		inner := map[string]map[string]string{}
		for depName, monitorSpec := range deps {
			if monitorSpec == monitorSpecNone {
				continue
			}
			inner[depName] = map[string]string{monitorSpec: ""}
		}
		f.dependStatuses[monitorType] = inner
	}
}

func (f *FTSM) fetchStoredSpec(ctx context.Context, st store.Store) (Spec, error) {
	for {
		doc, err := st.FindOne(ctx, f.opts.componentsCollection, map[string]any{"component_name": f.name})
		if err == nil {
			return specFromDocument(doc)
		}

		select {
		case <-ctx.Done():
			return Spec{}, ctx.Err()
		case <-time.After(f.opts.constructionBackoff):
		}
	}
}

func specFromDocument(doc store.Document) (Spec, error) {
	spec := Spec{DependencyMonitors: map[string]map[string]string{}}

	rawDeps, _ := doc["dependencies"].([]any)
	for _, d := range rawDeps {
		s, ok := d.(string)
		if !ok {
			return Spec{}, fmt.Errorf("ftsm: non-string entry in stored dependencies: %v", d)
		}
		spec.Dependencies = append(spec.Dependencies, s)
	}

	rawMonitors, _ := doc["dependency_monitors"].(map[string]any)
	for monitorType, rawDeps := range rawMonitors {
		deps, ok := rawDeps.(map[string]any)
		if !ok {
			continue
		}
		inner := map[string]string{}
		for depName, rawSpec := range deps {
			s, ok := rawSpec.(string)
			if !ok {
				continue
			}
			inner[depName] = s
		}
		spec.DependencyMonitors[monitorType] = inner
	}

	return spec, nil
}

// State returns the machine's current state.
func (f *FTSM) State() State {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	return f.currentState
}

func (f *FTSM) setState(s State) {
	f.stateMu.Lock()
	f.currentState = s
	f.stateMu.Unlock()
}

func (f *FTSM) isRunning() bool {
	return atomic.LoadInt32(&f.isRunningFlag) == 1
}

// DependStatuses returns an atomic snapshot of the observed dependency
// health, safe for concurrent reads while the reconciler keeps writing
// (spec §5: "single-producer / multi-consumer ... expose an atomic
// snapshot read").
func (f *FTSM) DependStatuses() map[string]map[string]map[string]string {
	f.dependMu.RLock()
	defer f.dependMu.RUnlock()

	out := make(map[string]map[string]map[string]string, len(f.dependStatuses))
	for monitorType, deps := range f.dependStatuses {
		innerOut := make(map[string]map[string]string, len(deps))
		for depName, specs := range deps {
			specsOut := make(map[string]string, len(specs))
			for spec, status := range specs {
				specsOut[spec] = status
			}
			innerOut[depName] = specsOut
		}
		out[monitorType] = innerOut
	}
	return out
}

func (f *FTSM) setDependStatus(monitorType, depName, monitorSpec, healthStatusJSON string) {
	f.dependMu.Lock()
	defer f.dependMu.Unlock()
	if f.dependStatuses[monitorType] == nil {
		f.dependStatuses[monitorType] = map[string]map[string]string{}
	}
	if f.dependStatuses[monitorType][depName] == nil {
		f.dependStatuses[monitorType][depName] = map[string]string{}
	}
	f.dependStatuses[monitorType][depName][monitorSpec] = healthStatusJSON
}

// Close stops the background tasks and marks the machine STOPPED. Safe to
// call more than once.
func (f *FTSM) Close() {
	f.setState(StateStopped)
	if f.bgCancel != nil {
		f.bgCancel()
	}
	f.doneWG.Wait()
}
