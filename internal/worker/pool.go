package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onyx-run/onyx-background/internal/datastore"
)

// pooledConn is one connection dedicated to a single fiber for the lifetime
// of that connection. Its client id is the liveness proof the Watcher reads
// off CLIENT LIST, per spec.md §5's "fiber's client name is the liveness
// sentinel" guarantee — there is no application heartbeat.
type pooledConn struct {
	conn     *redis.Conn
	clientID int64
	inUse    bool
	lastUsed time.Time
}

// connPool is the Worker's bounded fiber-connection pool. spec.md §5 notes
// that an implementation on a preemptive runtime must add a mutex around this
// bookkeeping, since cooperative-scheduling's "only suspension points are
// serialization boundaries" doesn't hold for goroutines; connPool does so.
type connPool struct {
	store          *datastore.Store
	workerClientID int64
	fibers         int
	wait           time.Duration
	ttl            time.Duration

	mu      sync.Mutex
	conns   []*pooledConn
	stopCh  chan struct{}
	stopped bool
}

func newConnPool(store *datastore.Store, workerClientID int64, fibers int, wait, ttl time.Duration) *connPool {
	return &connPool{
		store:          store,
		workerClientID: workerClientID,
		fibers:         fibers,
		wait:           wait,
		ttl:            ttl,
		stopCh:         make(chan struct{}),
	}
}

// Acquire returns an idle connection if one exists, opens a new one if the
// pool has spare capacity, or sleeps wait and retries otherwise. Per spec.md
// §4.2's pool-acquisition procedure.
func (p *connPool) Acquire(ctx context.Context) (*pooledConn, error) {
	for {
		p.mu.Lock()
		for _, c := range p.conns {
			if !c.inUse {
				c.inUse = true
				p.mu.Unlock()
				return c, nil
			}
		}
		atCapacity := len(p.conns) >= p.fibers
		p.mu.Unlock()

		if !atCapacity {
			name := fmt.Sprintf("onyx-background-worker-fiber:%d ", p.workerClientID)
			conn, id, err := p.store.NamedConn(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("worker: failed to open fiber connection: %w", err)
			}
			pc := &pooledConn{conn: conn, clientID: id, inUse: true, lastUsed: time.Now()}

			p.mu.Lock()
			if len(p.conns) >= p.fibers {
				// Lost the race while the connection was opening outside the lock.
				p.mu.Unlock()
				_ = conn.Close()
				pc.inUse = false
			} else {
				p.conns = append(p.conns, pc)
				p.mu.Unlock()
				return pc, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.wait):
		}
	}
}

// Return marks pc idle and stamps it with the current time so the reap loop
// can age it out after ttl.
func (p *connPool) Return(pc *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc.inUse = false
	pc.lastUsed = time.Now()
}

// InUseCount reports how many fiber connections are currently in use, used by
// Worker.Stop's fibers_timeout poll.
func (p *connPool) InUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.conns {
		if c.inUse {
			n++
		}
	}
	return n
}

// Total reports how many fiber connections the pool currently holds, used
// for fiber-utilization metrics.
func (p *connPool) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// startReap launches the background loop that closes idle connections unused
// for longer than ttl, once per second.
func (p *connPool) startReap() {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.reapIdle()
			}
		}
	}()
}

func (p *connPool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.conns[:0]
	now := time.Now()
	for _, c := range p.conns {
		if !c.inUse && now.Sub(c.lastUsed) > p.ttl {
			_ = c.conn.Close()
			continue
		}
		kept = append(kept, c)
	}
	p.conns = kept
}

// StopReap halts the background reap loop. Idempotent.
func (p *connPool) StopReap() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	close(p.stopCh)
}

// Clear forcibly severs every pooled connection via CLIENT UNBLOCK followed
// by CLIENT KILL ID on the control connection, per spec.md §4.2's force-kill
// shutdown path, then drops them from the pool.
func (p *connPool) Clear(ctx context.Context) {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	for _, c := range conns {
		_ = p.store.UnblockClient(ctx, c.clientID, false)
		_ = p.store.KillClient(ctx, c.clientID)
		_ = c.conn.Close()
	}
}
