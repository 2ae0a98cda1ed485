package server

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"golang.org/x/time/rate"

	"github.com/driftwire/driftwire/internal/metrics"
	"github.com/driftwire/driftwire/pkg/protocol"
)

// maxSendStrikes is how many consecutive full-buffer drops a session gets
// before it is disconnected as too slow.
const maxSendStrikes = 3

// subState is the server-side record of one live subscription on a
// session, kept so update_fields and duplicate-id checks can resolve the
// entity without another registry round trip.
type subState struct {
	name     string
	entity   string
	entityID string
	fields   protocol.FieldSet
}

// session is one connected client. Outbound frames flow through the
// buffered send channel; the write pump drains it in batches. The channel
// is never closed mid-flight, teardown closes the conn and lets both pumps
// unwind.
type session struct {
	id        string
	conn      net.Conn
	send      chan []byte
	limiter   *rate.Limiter
	closeOnce sync.Once

	connectedAt time.Time
	strikes     int32 // consecutive failed enqueues
	warned      int32

	mu   sync.Mutex
	subs map[string]subState
}

func newSession(id string, conn net.Conn, sendBuffer int, limiter *rate.Limiter) *session {
	return &session{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		limiter:     limiter,
		connectedAt: time.Now(),
		subs:        make(map[string]subState),
	}
}

// enqueue marshals the frame and queues it without blocking. A full buffer
// counts a strike; three in a row closes the connection with a policy
// violation frame so the client knows why it was dropped.
func (c *session) enqueue(frame any) bool {
	raw, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	select {
	case c.send <- raw:
		atomic.StoreInt32(&c.strikes, 0)
		return true
	default:
		metrics.SlowClientStrikes.Inc()
		if atomic.AddInt32(&c.strikes, 1) >= maxSendStrikes {
			metrics.SlowClientDisconnects.Inc()
			c.closeWith(ws.StatusPolicyViolation, "client too slow to drain updates")
		}
		return false
	}
}

// closeWith sends a close frame best-effort and tears the conn down once.
func (c *session) closeWith(code ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		body := ws.NewCloseFrameBody(code, reason)
		ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
		c.conn.Close()
	})
}

func (c *session) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// addSub records a subscription; false when the id is already taken.
func (c *session) addSub(subID string, st subState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.subs[subID]; dup {
		return false
	}
	c.subs[subID] = st
	return true
}

func (c *session) getSub(subID string) (subState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.subs[subID]
	return st, ok
}

func (c *session) setSubFields(subID string, fields protocol.FieldSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.subs[subID]; ok {
		st.fields = fields
		c.subs[subID] = st
	}
}

func (c *session) removeSub(subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, subID)
}
