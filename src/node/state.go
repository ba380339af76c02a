package node

import (
	"sync"
	"sync/atomic"
)

// State captures the lifecycle of a node: Running or Shutdown.
type State uint32

const (
	// Running is the normal operating state, where the event loop owns all
	// mutable state.
	Running State = iota

	// Shutdown is terminal.
	Shutdown
)

// String ...
func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// WGLIMIT is the maximum number of worker goroutines running at once through
// state.goFunc. Work submitted beyond the limit waits for a free slot.
const WGLIMIT = 20

type state struct {
	state State
	wg    sync.WaitGroup
	slots chan struct{}
}

func (b *state) getState() State {
	stateAddr := (*uint32)(&b.state)
	return State(atomic.LoadUint32(stateAddr))
}

func (b *state) setState(s State) {
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}

// goFunc runs f on a worker goroutine tracked by the waitgroup.
func (b *state) goFunc(f func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.slots <- struct{}{}
		defer func() { <-b.slots }()
		f()
	}()
}

func (b *state) waitRoutines() {
	b.wg.Wait()
}
