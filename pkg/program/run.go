package program

import (
	"context"
	"sync"
	"sync/atomic"
)

// Routine that can be executed as part of a program, such as the tip
// worker, the diagnostics HTTP server, or the defragmentation loop.
//
// Routines may start siblings, which are canceled together with the
// current routine, and dependencies, which are only canceled after the
// current routine and all of its siblings have returned. The tip worker
// is started as a dependency of the routines that send requests to it.
type Routine func(ctx context.Context, siblingsGroup, dependenciesGroup Group) error

// Group of routines. This interface can be used to launch additional
// routines.
type Group interface {
	Go(routine Routine)
}

// scheduler holds the state shared by all groups of a single program.
type scheduler struct {
	activeGroups sync.WaitGroup
	onFailure    func(err error)
}

// siblingsGroup contains routines that share a context. Once the last
// of them returns, the context of its dependencies is canceled.
type siblingsGroup struct {
	scheduler          *scheduler
	ctx                context.Context
	running            atomic.Int32
	dependenciesCtx    context.Context
	cancelDependencies context.CancelFunc
}

func (s *scheduler) start(ctx context.Context, routine Routine) {
	// Dependencies outlive cancelation of ctx until the group is
	// drained.
	dependenciesCtx, cancelDependencies := context.WithCancel(context.WithoutCancel(ctx))
	g := &siblingsGroup{
		scheduler:          s,
		ctx:                ctx,
		dependenciesCtx:    dependenciesCtx,
		cancelDependencies: cancelDependencies,
	}
	g.running.Store(1)
	s.activeGroups.Add(1)
	go g.run(routine)
}

func (g *siblingsGroup) run(routine Routine) {
	if err := routine(g.ctx, g, dependenciesGroup{siblings: g}); err != nil {
		g.scheduler.onFailure(err)
	}
	if g.running.Add(-1) == 0 {
		g.cancelDependencies()
		g.scheduler.activeGroups.Done()
	}
}

func (g *siblingsGroup) Go(routine Routine) {
	if g.running.Add(1) < 2 {
		panic("Attempted to start a routine in a group that has already completed")
	}
	go g.run(routine)
}

type dependenciesGroup struct {
	siblings *siblingsGroup
}

func (dg dependenciesGroup) Go(routine Routine) {
	if dg.siblings.running.Load() == 0 {
		panic("Attempted to start a routine in a group that has already completed")
	}
	dg.siblings.scheduler.start(dg.siblings.dependenciesCtx, routine)
}

// run a routine and everything it starts, blocking until all of them
// have returned. onFailure is called for every error returned.
func run(ctx context.Context, onFailure func(err error), routine Routine) {
	s := &scheduler{onFailure: onFailure}
	s.start(ctx, routine)
	s.activeGroups.Wait()
}
