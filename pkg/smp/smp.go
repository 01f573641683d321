// Package smp implements SMP bring-up and per-core state (spec.md
// component C12): enumerating ACPI MADT cores, starting each
// application processor with a retried INIT/SIPI handshake, and
// releasing every core's idle task into the scheduler once a startup
// barrier is crossed. Grounded on spec.md section 4.12; the counter-based
// stack-slot claim mirrors
// _examples/original_source/kernel/src-kernel/system/processor.cpp's
// per-core bring-up role, generalized here since the byte-level GDT/TSS
// programming it performs is the "mechanical" bring-up code spec.md
// section 1 puts out of scope.
package smp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/maxdev1/ghost-sub005/pkg/proc"
	"github.com/maxdev1/ghost-sub005/pkg/sched"
)

// sipiMaxTries bounds the INIT/SIPI retry before an AP is declared dead,
// rather than spinning forever (spec.md's barrier must eventually cross
// or fail explicitly).
const sipiMaxTries = 5

var errAPNotClaimed = errors.New("smp: AP did not claim its stack slot")

// CoreInfo is one ACPI MADT local-APIC entry.
type CoreInfo struct {
	APICID int
	IsBSP  bool
}

// StartupResult records the stack slot an AP claimed by bumping the
// shared counter (spec.md: "each AP bumps the counter to claim its
// stack").
type StartupResult struct {
	Core      CoreInfo
	StackSlot int
}

// Bringup drives SMP startup.
type Bringup struct {
	Scheduler *sched.Scheduler

	// SendSIPI issues the simulated INIT/SIPI handshake to core and
	// reports whether the AP claimed a stack slot. A real kernel polls a
	// memory location the AP writes once it starts; here it is a
	// caller-supplied probe so tests can simulate a flaky AP that only
	// claims its slot after a few attempts.
	SendSIPI func(core CoreInfo) (claimed bool, err error)

	stackCounter int32
}

// claimStackSlot assigns the next index into the pre-initialised
// per-core stack array.
func (b *Bringup) claimStackSlot() int {
	return int(atomic.AddInt32(&b.stackCounter, 1) - 1)
}

// Start brings up every non-BSP core in cores concurrently via
// golang.org/x/sync/errgroup, retrying each AP's SIPI handshake with
// github.com/cenkalti/backoff/v5, then — once every AP has reported in
// (the barrier spec.md describes) — releases every core's idle task into
// the scheduler, BSP included.
func (b *Bringup) Start(ctx context.Context, cores []CoreInfo, idleTaskFor func(CoreInfo) *proc.Task) ([]StartupResult, error) {
	results := make([]StartupResult, 0, len(cores))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, core := range cores {
		core := core
		if core.IsBSP {
			continue
		}
		g.Go(func() error {
			_, err := backoff.Retry(gctx, func() (struct{}, error) {
				ok, err := b.SendSIPI(core)
				if err != nil {
					return struct{}{}, err
				}
				if !ok {
					return struct{}{}, errAPNotClaimed
				}
				return struct{}{}, nil
			}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(sipiMaxTries))
			if err != nil {
				return fmt.Errorf("smp: core %d failed to start: %w", core.APICID, err)
			}

			slot := b.claimStackSlot()
			mu.Lock()
			results = append(results, StartupResult{Core: core, StackSlot: slot})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, core := range cores {
		b.Scheduler.AddCore(core.APICID, idleTaskFor(core))
	}
	return results, nil
}
