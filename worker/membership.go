package worker

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/hoverfleet/hoverfleet/asyncval"
	"github.com/hoverfleet/hoverfleet/bus"
	"github.com/hoverfleet/hoverfleet/protocol"
)

// RunMembershipListener maintains the worker's local view of cluster
// membership: every coordinator broadcast is decoded into the out latch,
// and one on-demand request seeds the view at startup so a worker joining
// a quiet cluster doesn't wait for the next change.
func RunMembershipListener(ctx context.Context, conn *bus.Conn, subWorkerList string, out *asyncval.Value[[]string]) error {
	var accept = func(data []byte) bool {
		var ids protocol.WorkerIDs
		if err := json.Unmarshal(data, &ids); err != nil {
			log.WithField("err", err).Warn("dropping malformed membership snapshot")
			return false
		}
		out.Put(ids.WorkerIDs)
		return true
	}

	var sub, err = conn.Subscribe(protocol.Broadcast(subWorkerList), func(m bus.Msg) {
		accept(m.Data)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	var reply []byte
	if reply, err = conn.Request(ctx, protocol.Listen(subWorkerList), nil); err != nil {
		return err
	}
	accept(reply)

	<-ctx.Done()
	return ctx.Err()
}
