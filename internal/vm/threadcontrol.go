// threadcontrol.go - thread-control handles (spec §3, §5 "(added)").
//
// spec.md models reservation ownership and waiter records by an
// "opaque thread-control handle that is stable for the thread's
// lifetime". Go has no public thread-local storage, so this
// implementation carries the handle through a context.Context value
// instead of a global thread-local, matching how the teacher's own
// worker goroutines (coprocessor_manager.go) are handed their identity
// explicitly rather than discovering it from ambient state.

package vm

import (
	"context"

	"github.com/google/uuid"
)

// ThreadControl is the guest-memory subsystem's view of a calling
// goroutine: a handle stable for as long as the caller keeps deriving
// contexts from the one Bind returned. Its identity (not its contents)
// is what reservation ownership and waiter records compare against.
type ThreadControl struct {
	id uuid.UUID

	// didBreak records whether the thread's most recent reservation call
	// broke an existing reservation, mirroring vm.cpp's thread_local
	// g_tls_did_break_reservation. It is only ever touched while the
	// thread itself holds the reservation mutex, so it needs no atomics.
	didBreak bool
}

// ID returns a stable string for log/metric correlation.
func (t *ThreadControl) ID() string { return t.id.String() }

type threadControlKey struct{}

// Bind returns a context carrying a *ThreadControl for the calling
// goroutine and the handle itself. Calling Bind again on a context
// already carrying a handle returns that same handle rather than
// minting a new one, so retrying a call with the same context can never
// silently change reservation ownership.
func Bind(ctx context.Context) (context.Context, *ThreadControl) {
	if tc, ok := ctx.Value(threadControlKey{}).(*ThreadControl); ok {
		return ctx, tc
	}
	tc := &ThreadControl{id: uuid.New()}
	return context.WithValue(ctx, threadControlKey{}, tc), tc
}

// threadFrom extracts the handle bound by Bind, panicking with a
// *FatalError if the caller forgot to Bind first — an unbound caller is
// always a programming error, never a runtime condition to recover from.
func threadFrom(ctx context.Context) *ThreadControl {
	tc, ok := ctx.Value(threadControlKey{}).(*ThreadControl)
	if !ok {
		fatalf(FatalInvalidArgs, "context has no bound thread handle; call vm.Bind first")
	}
	return tc
}
