// Package worker implements one vehicle-controller cluster member: it
// answers coordinator heartbeats, tracks the broadcast membership, and runs
// a simulator task for every vehicle the consistent-hash ring assigns to it.
package worker

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/hoverfleet/hoverfleet/bus"
	"github.com/hoverfleet/hoverfleet/protocol"
)

// RunHeartbeat answers coordinator polls with this worker's heartbeat. One
// active reply is sent immediately at startup so the coordinator learns of
// the worker without waiting for its next poll, and a best-effort inactive
// reply is sent on orderly shutdown so eviction doesn't have to time out.
func RunHeartbeat(ctx context.Context, conn *bus.Conn, workerID, subHeartbeat string) error {
	var subReq = protocol.Req(subHeartbeat)
	var subResp = protocol.Resp(subHeartbeat)

	var send = func(active bool) error {
		var data, err = json.Marshal(protocol.Heartbeat{WorkerID: workerID, Active: active})
		if err != nil {
			return err
		}
		return conn.Publish(subResp, data)
	}

	var sub, err = conn.Subscribe(subReq, func(bus.Msg) {
		if err := send(true); err != nil {
			log.WithFields(log.Fields{"worker": workerID, "err": err}).
				Warn("publishing heartbeat reply")
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	if err := send(true); err != nil {
		return err
	}
	<-ctx.Done()

	if err := send(false); err != nil {
		log.WithFields(log.Fields{"worker": workerID, "err": err}).
			Warn("publishing shutdown heartbeat")
	}
	return ctx.Err()
}
