package pgserver

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// cancelRegistry tracks live sessions by the process ID and secret handed
// out in BackendKeyData, so a CancelRequest on a fresh connection can reach
// the session it targets. Mismatched or stale requests are dropped without a
// response, per protocol.
type cancelRegistry struct {
	mu      sync.Mutex
	entries map[int32]cancelEntry
	nextPID atomic.Int32
}

type cancelEntry struct {
	secret uint32
	cancel func()
}

func newCancelRegistry() *cancelRegistry {
	r := &cancelRegistry{entries: map[int32]cancelEntry{}}
	// Process IDs start above 1 so they never collide with postmaster-like
	// well-known values in client logs.
	r.nextPID.Store(100)
	return r
}

// register allocates a key pair for a session and remembers its cancel hook.
func (r *cancelRegistry) register(cancel func()) (pid int32, secret uint32, err error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, 0, err
	}
	secret = binary.BigEndian.Uint32(buf[:])
	pid = r.nextPID.Add(1)

	r.mu.Lock()
	r.entries[pid] = cancelEntry{secret: secret, cancel: cancel}
	r.mu.Unlock()
	return pid, secret, nil
}

func (r *cancelRegistry) unregister(pid int32) {
	r.mu.Lock()
	delete(r.entries, pid)
	r.mu.Unlock()
}

// dispatch fires the cancel hook when both key halves match.
func (r *cancelRegistry) dispatch(pid int32, secret uint32) {
	r.mu.Lock()
	e, ok := r.entries[pid]
	r.mu.Unlock()
	if ok && e.secret == secret {
		e.cancel()
	}
}
