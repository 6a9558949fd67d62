package render

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/flowscope/errors"
	"github.com/c360/flowscope/metric"
)

// State represents the lifecycle state of a render handle
type State int

const (
	// StateActive indicates the handle's engine is live and may be driven
	StateActive State = iota
	// StateRetired is terminal; a retired id never becomes active again
	StateRetired
)

// String returns a string representation of the handle state
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// Handle is the public view of one registry entry. An id is valid only
// between registration and unregistration; after that, every operation on
// it is a no-op, never an error.
type Handle struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Slot      string    `json:"slot"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

type slotKey struct {
	owner string
	slot  string
}

type entry struct {
	id        string
	owner     string
	slot      string
	engine    Engine
	surface   *GuardedSurface
	state     State
	createdAt time.Time
}

// Registry tracks all active rendering-engine handles and enforces at most
// one Active handle per (owner, slot). It is an explicit owned object
// passed by reference, not a package-level singleton, so lifecycle stays
// deterministic and testable.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*entry
	slots   map[slotKey]string // (owner, slot) -> active handle id
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewRegistry creates an empty handle registry. The metrics argument may
// be nil when running without a metrics registry, e.g. in tests.
func NewRegistry(logger *slog.Logger, metrics *metric.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handles: make(map[string]*entry),
		slots:   make(map[slotKey]string),
		logger:  logger,
		metrics: metrics,
	}
}

// Register transitions a fresh handle to Active for the given owner and
// slot, retiring any existing Active handle for that slot first so at most
// one handle per slot is ever Active. The surface is wrapped in detachment
// guards; passing a nil surface registers an engine whose surface is
// already gone, which is legal and simply renders nothing.
func (r *Registry) Register(engine Engine, owner, slot string, surface Surface) (string, error) {
	if engine == nil {
		return "", errors.WrapInvalid(
			fmt.Errorf("nil engine"), "render", "Register", "engine validation")
	}
	if owner == "" || slot == "" {
		return "", errors.WrapInvalid(
			fmt.Errorf("owner and slot are required"), "render", "Register", "slot validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := slotKey{owner: owner, slot: slot}
	if existing, ok := r.slots[key]; ok {
		r.retireLocked(existing)
	}

	e := &entry{
		id:        uuid.NewString(),
		owner:     owner,
		slot:      slot,
		engine:    engine,
		surface:   Guard(surface),
		state:     StateActive,
		createdAt: time.Now(),
	}
	r.handles[e.id] = e
	r.slots[key] = e.id

	if r.metrics != nil {
		r.metrics.HandlesActive.Inc()
	}
	r.logger.Debug("render handle registered",
		"id", e.id, "owner", owner, "slot", slot)

	return e.id, nil
}

// Unregister retires the handle with the given id. It is idempotent: an
// unknown or already-retired id is a no-op. An Active handle's engine is
// quiesced and destroyed; teardown errors and panics are logged and
// swallowed, and the handle is marked Retired regardless.
func (r *Registry) Unregister(id string) {
	if id == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.retireLocked(id)
}

// RetireAllForOwner retires every handle owned by the given component.
// Used on component unmount.
func (r *Registry) RetireAllForOwner(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.handles {
		if e.owner == owner && e.state == StateActive {
			r.retireLocked(id)
		}
	}
}

// RetireAll retires every active handle. Used on full data refresh before
// all projections are rebuilt.
func (r *Registry) RetireAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.handles {
		if e.state == StateActive {
			r.retireLocked(id)
		}
	}
}

// Lookup returns the public view of a handle and whether the id is known.
func (r *Registry) Lookup(id string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.handles[id]
	if !ok {
		return Handle{}, false
	}
	return e.view(), true
}

// ActiveForSlot returns the Active handle id for a slot, if any.
func (r *Registry) ActiveForSlot(owner, slot string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.slots[slotKey{owner: owner, slot: slot}]
	return id, ok
}

// ActiveCount returns the number of handles currently Active.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.handles {
		if e.state == StateActive {
			n++
		}
	}
	return n
}

// Surface returns the guarded surface for a handle. Unknown or retired ids
// get a permanently dead surface, so callers can draw unconditionally.
func (r *Registry) Surface(id string) *GuardedSurface {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.handles[id]
	if !ok || e.state != StateActive {
		return Guard(nil)
	}
	return e.surface
}

// retireLocked transitions a handle to Retired and tears its engine down.
// Must be called with r.mu held. Teardown runs inside panic/error guards:
// a failure in one handle's teardown can never prevent retirement of that
// handle or of others.
func (r *Registry) retireLocked(id string) {
	e, ok := r.handles[id]
	if !ok || e.state == StateRetired {
		return
	}

	e.state = StateRetired
	delete(r.slots, slotKey{owner: e.owner, slot: e.slot})

	if err := teardown(e.engine); err != nil {
		if r.metrics != nil {
			r.metrics.TeardownFailures.Inc()
		}
		r.logger.Warn("render engine teardown failed",
			"id", id, "owner", e.owner, "slot", e.slot, "error", err)
	}

	// Drop the engine reference so a retired handle cannot be driven.
	e.engine = nil
	e.surface = Guard(nil)

	if r.metrics != nil {
		r.metrics.HandlesActive.Dec()
		r.metrics.HandlesRetired.Inc()
	}
	r.logger.Debug("render handle retired", "id", id, "owner", e.owner, "slot", e.slot)
}

// teardown quiesces and destroys an engine, converting panics to errors.
func teardown(engine Engine) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.WrapTransient(
				fmt.Errorf("panic during teardown: %v", p),
				"render", "teardown", "destroy engine")
		}
	}()

	// Stop animations and async callbacks before destruction; an engine
	// mid-animation frees resources its pending callbacks still touch.
	if q, ok := engine.(Quiescer); ok {
		q.Quiesce()
	}

	if destroyErr := engine.Destroy(); destroyErr != nil {
		return errors.Wrap(destroyErr, "render", "teardown", "destroy engine")
	}
	return nil
}

func (e *entry) view() Handle {
	return Handle{
		ID:        e.id,
		Owner:     e.owner,
		Slot:      e.slot,
		State:     e.state,
		CreatedAt: e.createdAt,
	}
}
