// notifier.go - background waiter-notification sweep (C7).
//
// vm.cpp runs this as a detached named_thread ("VM Notifier") started
// once at initialize() and joined at finalize(), repeatedly calling
// notify_all. Go has no named detached threads; the idiomatic
// substitute pulled from the pack is golang.org/x/sync/errgroup, which
// ties the goroutine's lifetime to a context and gives Close() a
// single Wait() to join on, the same pattern the teacher's
// coprocessor_manager.go uses for its worker pool (spec §4.7).
//
// Point notification (waiterList.notifyAt) already signals a matching
// waiter's channel directly when a write lands, so this sweep is a
// diagnostic-grade fallback against predicates that become true
// without going through the reservation path (spec §4.7, §9) - not the
// primary delivery mechanism.

package vm

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

type notifier struct {
	waiters *waiterList
	sweeps  counterMetric
}

func newNotifier(waiters *waiterList, sweeps counterMetric) *notifier {
	return &notifier{waiters: waiters, sweeps: sweeps}
}

// run calls notify_all every notifierIntervalMillis until ctx is
// cancelled. It is started from startNotifier via an errgroup.Group,
// so Close can simply cancel the context and Wait.
func (n *notifier) run(ctx context.Context) error {
	ticker := time.NewTicker(notifierIntervalMillis * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.sweeps.Inc()
			n.waiters.notifyAll()
		}
	}
}

// notifierGroup wires run into an errgroup.Group bound to a cancellable
// context, so VM.Close can stop the sweep and join it deterministically.
type notifierGroup struct {
	cancel context.CancelFunc
	group  *errgroup.Group
}

func startNotifier(parent context.Context, n *notifier) *notifierGroup {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.run(gctx) })
	return &notifierGroup{cancel: cancel, group: g}
}

func (ng *notifierGroup) stop() error {
	ng.cancel()
	return ng.group.Wait()
}
