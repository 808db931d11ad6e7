package tunnel

import (
	"fmt"
	"sync"
	"time"
)

// Allocation records which resource currently owns a local port
type Allocation struct {
	Port        int
	Owner       string // tunnel id or job reference
	AllocatedAt time.Time
}

// Allocator hands out unique local TCP ports from a fixed range. All
// mutations go through the mutex, so two concurrent callers can never
// receive the same port.
type Allocator struct {
	mu    sync.Mutex
	min   int
	max   int
	next  int
	inUse map[int]Allocation
}

// NewAllocator creates an allocator for the inclusive range [min, max]
func NewAllocator(min, max int) *Allocator {
	return &Allocator{
		min:   min,
		max:   max,
		next:  min,
		inUse: make(map[int]Allocation),
	}
}

// Allocate reserves the next free port for owner. Returns
// ErrNoPortsAvailable when every port in the range is taken.
func (a *Allocator) Allocate(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.max - a.min + 1
	for i := 0; i < size; i++ {
		port := a.next
		a.next++
		if a.next > a.max {
			a.next = a.min
		}
		if _, taken := a.inUse[port]; taken {
			continue
		}
		a.inUse[port] = Allocation{Port: port, Owner: owner, AllocatedAt: time.Now()}
		return port, nil
	}
	return 0, ErrNoPortsAvailable
}

// Reserve claims a specific port, used when re-registering restored tunnels
// so their ports are not handed out again.
func (a *Allocator) Reserve(port int, owner string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.min || port > a.max {
		return fmt.Errorf("port %d outside range %d-%d", port, a.min, a.max)
	}
	if existing, taken := a.inUse[port]; taken {
		return fmt.Errorf("%w: port %d owned by %s", ErrPortInUse, port, existing.Owner)
	}
	a.inUse[port] = Allocation{Port: port, Owner: owner, AllocatedAt: time.Now()}
	return nil
}

// Release frees a port. Releasing an unallocated port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

// InUse reports whether a port is currently allocated
func (a *Allocator) InUse(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, taken := a.inUse[port]
	return taken
}

// Allocations returns a snapshot of the current allocations
func (a *Allocator) Allocations() []Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Allocation, 0, len(a.inUse))
	for _, alloc := range a.inUse {
		out = append(out, alloc)
	}
	return out
}
