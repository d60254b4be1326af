// Package tasks provides a small fire-and-forget task pool used to run work that
// outlives the request that spawned it (in particular, action-cache write-backs).
//
// It is the Go shape of what the Rust original calls "tail tasks": a process-scoped
// registry that the runtime drains at shutdown, but which a caller never has to await.
package tasks

import (
	"context"
	"sync"

	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("tasks")

// A Pool runs detached tasks on a fixed-size worker pool and keeps track of which
// named tasks are currently in flight, so that a second request for the same name
// queues behind the first rather than racing it.
//
// This mirrors please's asyncCache: requests for distinct keys run concurrently;
// requests that share a key are serialised.
type Pool struct {
	requests chan namedTask
	wg       sync.WaitGroup

	mutex   sync.Mutex
	queued  map[string][]namedTask
	running map[string]bool
}

type namedTask struct {
	name string
	fn   func(context.Context)
}

// NewPool creates a Pool with the given number of workers. It must be shut down with
// Shutdown once no more tasks will be spawned, or goroutines will leak.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		requests: make(chan namedTask),
		queued:   make(map[string][]namedTask),
		running:  make(map[string]bool),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

// Spawn submits a detached task under the given name. The task runs with a background
// context; fn should derive its own cancellation if it needs a deadline. Spawn hands
// the task directly to a worker goroutine over an unbuffered channel, so it returns
// as soon as a worker is free to take it; while every worker is busy, Spawn blocks.
func (p *Pool) Spawn(name string, fn func(context.Context)) {
	p.requests <- namedTask{name: name, fn: fn}
}

// Shutdown waits for all in-flight and queued tasks to finish. Losing tasks to an
// ungraceful process exit instead of a clean Shutdown is acceptable; Shutdown exists
// so that panics inside tasks still have a chance to surface during tests and CLI use.
func (p *Pool) Shutdown() {
	log.Debug("Shutting down task pool...")
	close(p.requests)
	p.wg.Wait()
}

func (p *Pool) run() {
	defer p.wg.Done()
	for t := range p.requests {
		p.mutex.Lock()
		if p.running[t.name] {
			p.queued[t.name] = append(p.queued[t.name], t)
			p.mutex.Unlock()
			continue
		}
		p.running[t.name] = true
		p.mutex.Unlock()

		p.runOne(t)

		for {
			p.mutex.Lock()
			next, ok := p.dequeue(t.name)
			p.mutex.Unlock()
			if !ok {
				break
			}
			p.runOne(next)
		}
	}
}

func (p *Pool) dequeue(name string) (namedTask, bool) {
	q := p.queued[name]
	if len(q) == 0 {
		delete(p.running, name)
		delete(p.queued, name)
		return namedTask{}, false
	}
	next := q[0]
	if len(q) == 1 {
		delete(p.queued, name)
	} else {
		p.queued[name] = q[1:]
	}
	return next, true
}

func (p *Pool) runOne(t namedTask) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Task %s panicked: %v", t.name, r)
		}
	}()
	t.fn(context.Background())
}
