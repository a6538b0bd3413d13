package worker

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hoverfleet/hoverfleet/bus"
	"github.com/hoverfleet/hoverfleet/protocol"
)

// DefaultStatusInterval is the simulator's position reporting period.
const DefaultStatusInterval = time.Second

// testVehicleData is the vdata payload of the "test" vehicle type: the
// simulator emits position noise with standard deviation Std (in degrees)
// around the configured point.
type testVehicleData struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Std float64 `json:"std"`
}

// RunSimulator is the per-vehicle task: a stand-in for a real vehicle that
// publishes noisy position fixes around its configured point, and honors
// immobilizer commands by latching its state and echoing an immobilizer
// status carrying the command's correlation. Immobilized vehicles hold
// position and stop reporting fixes.
func RunSimulator(ctx context.Context, conn *bus.Conn, cfg protocol.VehicleConfig, subCmd, subStatus string) error {
	return runSimulator(ctx, conn, cfg, subCmd, subStatus, DefaultStatusInterval)
}

func runSimulator(ctx context.Context, conn *bus.Conn, cfg protocol.VehicleConfig, subCmd, subStatus string, interval time.Duration) error {
	if cfg.VType != "test" {
		// Unknown vehicle types have no simulator; park so the supervisor
		// doesn't spin on restarts.
		log.WithFields(log.Fields{"vehicle": cfg.VehicleID, "vtype": cfg.VType}).
			Warn("no simulator for vehicle type, parking")
		<-ctx.Done()
		return ctx.Err()
	}
	var data testVehicleData
	if err := json.Unmarshal(cfg.VData, &data); err != nil {
		log.WithFields(log.Fields{"vehicle": cfg.VehicleID, "err": err}).
			Warn("malformed vehicle data, parking")
		<-ctx.Done()
		return ctx.Err()
	}

	var rng = rand.New(rand.NewSource(time.Now().UnixNano()))

	var mu sync.Mutex
	var immobilized bool

	var sub, err = conn.Subscribe(subCmd, func(m bus.Msg) {
		var cmd protocol.CmdImmobilizer
		if err := json.Unmarshal(m.Data, &cmd); err != nil || cmd.Type != "immobilizer" {
			log.WithFields(log.Fields{"vehicle": cfg.VehicleID, "err": err}).
				Warn("dropping malformed vehicle command")
			return
		}

		mu.Lock()
		immobilized = cmd.Active
		mu.Unlock()

		var status, err = json.Marshal(
			protocol.NewStatusImmobilizer(cmd.Correlation, cmd.Active, time.Now().UTC()))
		if err == nil {
			err = conn.Publish(subStatus, status)
		}
		if err != nil {
			log.WithFields(log.Fields{"vehicle": cfg.VehicleID, "err": err}).
				Warn("publishing immobilizer status")
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	var ticker = time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mu.Lock()
			var held = immobilized
			mu.Unlock()
			if held {
				continue
			}

			var lat = data.Lat + rng.NormFloat64()*data.Std
			var lon = data.Lon + rng.NormFloat64()*data.Std
			var status, err = json.Marshal(protocol.NewStatusPos(lat, lon, time.Now().UTC()))
			if err != nil {
				return err
			}
			if err = conn.Publish(subStatus, status); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
