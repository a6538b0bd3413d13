package manager

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/hoverfleet/hoverfleet/bus"
	"github.com/hoverfleet/hoverfleet/protocol"
	"github.com/hoverfleet/hoverfleet/resilience"
)

// Deltas announces inventory changes to the worker cluster and serves the
// full active inventory on demand (a worker's cold-start request).
type Deltas struct {
	store        *Store
	bus          *bus.Conn
	subVehDeltas string
}

// NewDeltas returns a delta publisher over the given store and bus.
func NewDeltas(store *Store, conn *bus.Conn, subVehDeltas string) *Deltas {
	return &Deltas{store: store, bus: conn, subVehDeltas: subVehDeltas}
}

func vehicleConfig(v Vehicle) protocol.VehicleConfig {
	return protocol.VehicleConfig{
		VehicleID: v.ID.String(),
		VType:     v.VType,
		VData:     v.VConfig,
	}
}

// RunInventoryResponder answers inventory requests until ctx is cancelled.
// Replies are a single update delta carrying every active vehicle.
func (d *Deltas) RunInventoryResponder(ctx context.Context) error {
	var sub, err = d.bus.QueueSubscribe(
		protocol.Listen(d.subVehDeltas), queueGroup,
		func(m bus.Msg) {
			var vehicles, err = d.store.ListActiveVehicles(ctx)
			if err != nil {
				log.WithField("err", err).Warn("listing active vehicles for inventory request")
				return
			}
			var configs = make([]protocol.VehicleConfig, 0, len(vehicles))
			for _, v := range vehicles {
				configs = append(configs, vehicleConfig(v))
			}
			data, err := json.Marshal(protocol.UpdateDelta(configs...))
			if err == nil {
				err = m.Respond(data)
			}
			if err != nil {
				log.WithField("err", err).Warn("replying to inventory request")
			}
		},
	)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return ctx.Err()
}

// PublishActivation broadcasts the delta for a vehicle whose activation
// changed: newly active vehicles are announced as an update, newly
// inactive ones as a delete.
func (d *Deltas) PublishActivation(ctx context.Context, v Vehicle) error {
	var delta protocol.Delta
	if v.Active {
		delta = protocol.UpdateDelta(vehicleConfig(v))
	} else {
		delta = protocol.DeleteDelta(v.ID.String())
	}
	var data, err = json.Marshal(delta)
	if err != nil {
		return err
	}

	return resilience.Retry(ctx, deltaRetryAttempts, retryDelay, func(context.Context) error {
		return d.bus.Publish(protocol.Broadcast(d.subVehDeltas), data)
	})
}
