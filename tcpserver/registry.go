package tcpserver

import (
	"sync"
	"sync/atomic"
)

// registry maps connection ids to their live sessions. It is written by the
// accept loop and by exiting handlers, and read by Stop and Shutdown.
type registry struct {
	m     sync.Map
	count atomic.Int64
}

func newRegistry() *registry {
	return &registry{}
}

func (r *registry) add(s *session) {
	if _, loaded := r.m.LoadOrStore(s.id, s); !loaded {
		r.count.Add(1)
	}
}

func (r *registry) remove(id string) {
	if _, loaded := r.m.LoadAndDelete(id); loaded {
		r.count.Add(-1)
	}
}

func (r *registry) len() int {
	return int(r.count.Load())
}

// closeAll closes every registered connection. Handlers notice on their
// blocked Receive and unregister themselves.
func (r *registry) closeAll() {
	r.m.Range(func(_, v any) bool {
		_ = v.(*session).close()
		return true
	})
}
