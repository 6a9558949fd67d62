// Package render manages the lifecycle of stateful rendering-engine
// handles: it guarantees safe, idempotent teardown and prevents any engine
// from being driven after its output surface has been torn down.
//
// The dominant failure mode being engineered around is an engine operating
// on a detached drawing surface. Rather than patching renderer internals,
// every surface access goes through a guard that degrades to a harmless
// zero-sized no-op once the surface is gone, and every teardown is
// best-effort: errors and panics are logged and swallowed, and the handle
// is retired regardless so leaks cannot accumulate from repeated failures.
package render

// Engine is the contract the external renderer library exposes per chart
// instance. The registry wraps exactly this operation plus construction.
type Engine interface {
	// Destroy tears down the engine instance and releases its resources.
	// May fail or panic on an engine that is already partially destroyed;
	// the registry tolerates both.
	Destroy() error
}

// Quiescer is optionally implemented by engines whose teardown must be
// preceded by disabling animations and async callbacks. The registry calls
// Quiesce before Destroy when available.
type Quiescer interface {
	Quiesce()
}

// Surface is the output surface an engine draws to.
type Surface interface {
	// Live reports whether the surface is still attached to the visible
	// document.
	Live() bool
	// Bounds returns the surface dimensions in pixels.
	Bounds() (width, height int)
}

// GuardedSurface wraps a Surface so that any access after the underlying
// surface has been detached resolves to a dead, zero-sized surface instead
// of failing. A nil inner surface is treated as already detached.
type GuardedSurface struct {
	inner Surface
}

// Guard wraps a surface in detachment guards. Guard(nil) is valid and
// yields a permanently dead surface.
func Guard(inner Surface) *GuardedSurface {
	return &GuardedSurface{inner: inner}
}

// Live reports whether the underlying surface is attached. A panicking
// underlying surface counts as detached.
func (g *GuardedSurface) Live() (live bool) {
	if g == nil || g.inner == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			live = false
		}
	}()
	return g.inner.Live()
}

// Bounds returns the underlying dimensions while the surface is live and
// (0, 0) once it is gone.
func (g *GuardedSurface) Bounds() (width, height int) {
	if !g.Live() {
		return 0, 0
	}
	defer func() {
		if recover() != nil {
			width, height = 0, 0
		}
	}()
	return g.inner.Bounds()
}
