package coordinator

import (
	"fmt"
	"sync"
)

// admissionTracker enforces the per-IP connection cap at accept time
// at accept time: excess connections are refused before they ever enter the
// state machine. It holds its own mutex, separate from the coordinator's,
// since accept-time admission and the submit pipeline never need to
// serialize with each other.
type admissionTracker struct {
	mu       sync.Mutex
	perIP    map[string]int
	maxPerIP int
}

func newAdmissionTracker(maxPerIP int) *admissionTracker {
	return &admissionTracker{
		perIP:    make(map[string]int),
		maxPerIP: maxPerIP,
	}
}

// acquire reserves one connection slot for ip, returning an error if doing
// so would exceed the configured per-IP cap. A maxPerIP of 0 means
// unlimited.
func (a *admissionTracker) acquire(ip string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.maxPerIP > 0 && a.perIP[ip] >= a.maxPerIP {
		return fmt.Errorf("coordinator: connection limit reached for %s", ip)
	}
	a.perIP[ip]++
	return nil
}

// release frees a connection slot, deleting the IP's entry once it reaches
// zero so a long-running pool's map does not grow unbounded with
// one-off connections.
func (a *admissionTracker) release(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.perIP[ip] <= 1 {
		delete(a.perIP, ip)
		return
	}
	a.perIP[ip]--
}
