// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package counters implements the bridge's monotonic counters:
// four per route plus a handful of process-wide ones, looked up lazily
// by name.
package counters

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// perRouteSuffixes enumerates the four counters kept for every route,
// named "{routeId}.{suffix}".
var perRouteSuffixes = [4]string{"frames.read", "frames.wrote", "bytes.read", "bytes.wrote"}

// Counters holds every monotonic counter the worker maintains.
type Counters struct {
	mu    sync.Mutex
	named map[string]*int64

	overflows         int64
	connectionsOpened int64
	connectionsClosed int64

	// overflowLimiter rate-limits the warning logged each time overflows
	// is incremented: a peer that keeps overflowing its credit should not
	// be able to flood the log.
	overflowLimiter *rate.Limiter
	log             *slog.Logger
}

// New creates an empty Counters set. log may be nil, in which case
// overflow warnings are dropped rather than logged.
func New(log *slog.Logger) *Counters {
	return &Counters{
		named:           make(map[string]*int64),
		overflowLimiter: rate.NewLimiter(1, 1), // at most 1 overflow warning/sec
		log:             log,
	}
}

func (c *Counters) slot(name string) *int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.named[name]
	if !ok {
		p = new(int64)
		c.named[name] = p
	}
	return p
}

// Route returns the four named counters for routeID, creating them on
// first use.
func (c *Counters) Route(routeID uint64) RouteCounters {
	var rc RouteCounters
	rc.framesRead = c.lookup(routeID, perRouteSuffixes[0])
	rc.framesWrote = c.lookup(routeID, perRouteSuffixes[1])
	rc.bytesRead = c.lookup(routeID, perRouteSuffixes[2])
	rc.bytesWrote = c.lookup(routeID, perRouteSuffixes[3])
	return rc
}

func (c *Counters) lookup(routeID uint64, suffix string) *int64 {
	return c.slot(routeIDKey(routeID, suffix))
}

func routeIDKey(routeID uint64, suffix string) string {
	buf := make([]byte, 0, 24)
	buf = appendUint64(buf, routeID)
	buf = append(buf, '.')
	buf = append(buf, suffix...)
	return string(buf)
}

func appendUint64(buf []byte, v uint64) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(buf, tmp[i:]...)
}

// IncOverflows bumps the process-wide overflows counter and, at most
// once per second, logs a warning.
func (c *Counters) IncOverflows(routeID, streamID uint64) {
	atomic.AddInt64(&c.overflows, 1)
	if c.log != nil && c.overflowLimiter.Allow() {
		c.log.Warn("stream credit overflow", "route_id", routeID, "stream_id", streamID)
	}
}

// IncConnectionsOpened bumps connections.opened.
func (c *Counters) IncConnectionsOpened() { atomic.AddInt64(&c.connectionsOpened, 1) }

// IncConnectionsClosed bumps connections.closed.
func (c *Counters) IncConnectionsClosed() { atomic.AddInt64(&c.connectionsClosed, 1) }

// OpenConnections reports connections.opened - connections.closed, the
// number of live sockets the worker owns.
func (c *Counters) OpenConnections() int64 {
	return atomic.LoadInt64(&c.connectionsOpened) - atomic.LoadInt64(&c.connectionsClosed)
}

// Snapshot returns a point-in-time copy of every counter, keyed by
// name.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.named)+3)
	for name, p := range c.named {
		out[name] = atomic.LoadInt64(p)
	}
	out["overflows"] = atomic.LoadInt64(&c.overflows)
	out["connections.opened"] = atomic.LoadInt64(&c.connectionsOpened)
	out["connections.closed"] = atomic.LoadInt64(&c.connectionsClosed)
	return out
}

// RouteCounters is a lightweight handle to one route's four counters,
// avoiding a map lookup on the hot frame path.
type RouteCounters struct {
	framesRead  *int64
	framesWrote *int64
	bytesRead   *int64
	bytesWrote  *int64
}

// zero reports whether rc is the zero RouteCounters{}, one not obtained
// from Counters.Route; every Add method tolerates it so callers don't need
// their own nil check at every call site.
func (rc RouteCounters) zero() bool { return rc.framesRead == nil }

func (rc RouteCounters) AddFramesRead(n int64) {
	if rc.zero() {
		return
	}
	atomic.AddInt64(rc.framesRead, n)
}

func (rc RouteCounters) AddFramesWrote(n int64) {
	if rc.zero() {
		return
	}
	atomic.AddInt64(rc.framesWrote, n)
}

func (rc RouteCounters) AddBytesRead(n int64) {
	if rc.zero() {
		return
	}
	atomic.AddInt64(rc.bytesRead, n)
}

func (rc RouteCounters) AddBytesWrote(n int64) {
	if rc.zero() {
		return
	}
	atomic.AddInt64(rc.bytesWrote, n)
}
