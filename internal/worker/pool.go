package worker

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"
)

// Pool bounds how many task bodies execute at once across all categories.
// Its size can change while jobs are in flight; shrinking never interrupts a running job.
type Pool struct {
	mu     sync.Mutex
	size   int
	active int
	notify chan struct{} // closed whenever a slot frees up or the size changes
	wg     sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{size: size, notify: make(chan struct{})}
}

// Go runs run on its own goroutine once a slot is free. When no slot is free,
// blocked is called before Go returns and the job waits; if ctx ends first,
// drop is called instead of run. Go itself never blocks on a slot.
func (p *Pool) Go(ctx context.Context, run, blocked, drop func()) {
	p.wg.Add(1)
	if p.tryAcquire() {
		go func() {
			defer p.wg.Done()
			p.runHeld(run)
		}()
		return
	}
	if blocked != nil {
		blocked()
	}
	go func() {
		defer p.wg.Done()
		if !p.acquire(ctx) {
			if drop != nil {
				drop()
			}
			return
		}
		p.runHeld(run)
	}()
}

// runHeld runs a job that already holds a slot.
func (p *Pool) runHeld(run func()) {
	defer p.release()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", "worker").Interface("panic", r).Bytes("stack", debug.Stack()).Msg("worker job panicked")
		}
	}()
	run()
}

func (p *Pool) tryAcquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active < p.size {
		p.active++
		return true
	}
	return false
}

func (p *Pool) acquire(ctx context.Context) bool {
	for {
		p.mu.Lock()
		if p.active < p.size {
			p.active++
			p.mu.Unlock()
			return true
		}
		ch := p.notify
		p.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

func (p *Pool) release() {
	p.mu.Lock()
	p.active--
	p.broadcastLocked()
	p.mu.Unlock()
}

func (p *Pool) broadcastLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// Resize changes the number of slots. Values below 1 are clamped to 1.
func (p *Pool) Resize(n int) {
	if n <= 0 {
		n = 1
	}
	p.mu.Lock()
	old := p.size
	p.size = n
	p.broadcastLocked()
	p.mu.Unlock()
	if old != n {
		log.Info().Str("component", "worker").Int("from", old).Int("to", n).Msg("worker pool resized")
	}
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Wait blocks until every job handed to Go has finished or been dropped.
func (p *Pool) Wait() { p.wg.Wait() }
