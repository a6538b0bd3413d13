// Package coordinator implements the membership ground truth of the
// vehicle-controller cluster. It polls workers with heartbeat requests,
// evicts those that stop replying, and publishes the authoritative worker
// list whenever it changes.
package coordinator

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hoverfleet/hoverfleet/asyncval"
	"github.com/hoverfleet/hoverfleet/bus"
	"github.com/hoverfleet/hoverfleet/protocol"
)

// Coordinator tracks live workers by their heartbeat replies. Its view is
// the single authoritative membership snapshot; workers accept it verbatim.
type Coordinator struct {
	bus         *bus.Conn
	subReq      string // outbound heartbeat poll
	subResp     string // inbound worker replies
	interval    time.Duration
	missedLimit int
	out         *asyncval.Value[[]string]

	// clients maps worker id to the instant it was last seen. It is private
	// to the coordinator; the reply handler and the poll loop serialize on mu.
	mu      sync.Mutex
	clients map[string]time.Time
}

// New returns a Coordinator publishing membership snapshots into out.
func New(conn *bus.Conn, subHeartbeat string, interval time.Duration, missedLimit int, out *asyncval.Value[[]string]) *Coordinator {
	return &Coordinator{
		bus:         conn,
		subReq:      protocol.Req(subHeartbeat),
		subResp:     protocol.Resp(subHeartbeat),
		interval:    interval,
		missedLimit: missedLimit,
		out:         out,
	}
}

// Run polls and evicts until ctx is cancelled. It is intended to be run
// under a supervisor: on failure the membership restarts empty and workers
// are re-learned from their next heartbeat replies.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.clients = make(map[string]time.Time)
	c.mu.Unlock()

	// Publish the initial (empty) snapshot so a fresh cluster still
	// broadcasts a baseline before the first replies arrive.
	c.publishSnapshot()

	var sub, err = c.bus.Subscribe(c.subResp, c.onHeartbeat)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		if err := c.bus.Publish(c.subReq, nil); err != nil {
			return err
		}
		if evicted := c.evictStale(); evicted > 0 {
			c.publishSnapshot()
		}

		select {
		case <-time.After(c.interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// onHeartbeat registers or refreshes a worker on active=true, and removes
// it on active=false (a worker announcing orderly shutdown).
func (c *Coordinator) onHeartbeat(msg bus.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		log.WithFields(log.Fields{"subject": msg.Subject, "err": err}).
			Warn("dropping malformed heartbeat")
		return
	}

	c.mu.Lock()
	var changed bool
	if hb.Active {
		if _, ok := c.clients[hb.WorkerID]; !ok {
			changed = true
		}
		c.clients[hb.WorkerID] = time.Now()
	} else if _, ok := c.clients[hb.WorkerID]; ok {
		delete(c.clients, hb.WorkerID)
		changed = true
	}
	c.mu.Unlock()

	if changed {
		c.publishSnapshot()
	}
}

// evictStale drops every worker not seen within
// interval*missedLimit + 0.5s, and returns how many were dropped.
func (c *Coordinator) evictStale() int {
	var threshold = time.Duration(float64(c.interval)*float64(c.missedLimit)) + 500*time.Millisecond
	var now = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted int
	for id, lastSeen := range c.clients {
		if now.Sub(lastSeen) > threshold {
			delete(c.clients, id)
			evicted++
			log.WithFields(log.Fields{"worker": id, "lastSeen": lastSeen}).
				Warn("evicting unresponsive worker")
		}
	}
	evictionsTotal.Add(float64(evicted))
	return evicted
}

// publishSnapshot writes the current membership into the out latch, from
// which the responder broadcasts it. The snapshot is sorted for stable
// presentation; consumers hash ids individually so order carries no meaning.
func (c *Coordinator) publishSnapshot() {
	c.mu.Lock()
	var ids = make([]string, 0, len(c.clients))
	for id := range c.clients {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	sort.Strings(ids)
	c.out.Put(ids)
}
