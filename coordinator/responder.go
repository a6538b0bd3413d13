package coordinator

import (
	"context"
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/hoverfleet/hoverfleet/asyncval"
	"github.com/hoverfleet/hoverfleet/bus"
	"github.com/hoverfleet/hoverfleet/protocol"
)

// Responder serves the membership snapshot: it broadcasts every change on
// the worker-list broadcast subject, and answers on-demand requests with
// the current snapshot. All broadcasts are serialized through its single
// loop, so snapshot changes reach the broadcast subject in order.
type Responder struct {
	bus          *bus.Conn
	in           *asyncval.Value[[]string]
	subBroadcast string
	subListen    string

	mu      sync.Mutex
	current []string
}

// NewResponder returns a Responder fed from the in latch.
func NewResponder(conn *bus.Conn, in *asyncval.Value[[]string], subWorkerList string) *Responder {
	return &Responder{
		bus:          conn,
		in:           in,
		subBroadcast: protocol.Broadcast(subWorkerList),
		subListen:    protocol.Listen(subWorkerList),
	}
}

// Run serves until ctx is cancelled.
func (r *Responder) Run(ctx context.Context) error {
	var sub, err = r.bus.Subscribe(r.subListen, r.onListRequest)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		var ids, wait = r.in.Get()

		r.mu.Lock()
		r.current = ids
		r.mu.Unlock()

		var data, err = json.Marshal(protocol.WorkerIDs{WorkerIDs: ids})
		if err != nil {
			return err
		}
		if err := r.bus.Publish(r.subBroadcast, data); err != nil {
			return err
		}
		membershipPublishesTotal.Inc()
		log.WithField("workers", len(ids)).Debug("broadcast membership snapshot")

		if err := wait(ctx); err != nil {
			return err
		}
	}
}

func (r *Responder) onListRequest(msg bus.Msg) {
	r.mu.Lock()
	var ids = r.current
	r.mu.Unlock()
	if ids == nil {
		ids = []string{}
	}

	var data, err = json.Marshal(protocol.WorkerIDs{WorkerIDs: ids})
	if err != nil {
		log.WithField("err", err).Warn("encoding membership snapshot")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.WithField("err", err).Warn("replying to worker-list request")
	}
}
