package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hoverfleet/hoverfleet/asyncval"
	"github.com/hoverfleet/hoverfleet/bus"
	"github.com/hoverfleet/hoverfleet/protocol"
	"github.com/hoverfleet/hoverfleet/resilience"
)

// VehicleRunner runs one vehicle task until ctx is cancelled. It exists as
// an indirection point so tests can substitute the simulator.
type VehicleRunner func(ctx context.Context, conn *bus.Conn, cfg protocol.VehicleConfig, subCmd, subStatus string) error

// Dispatcher applies consistent-hash ownership to the vehicle inventory:
// it keeps the full inventory regardless of ownership, and runs a
// supervised task for exactly the vehicles the ring assigns to this worker.
//
// All state transitions (delta application and rebalancing) serialize on
// the dispatcher's lock, mirroring the single event loop of the protocol
// design. Vehicle tasks themselves run concurrently.
type Dispatcher struct {
	bus            *bus.Conn
	workerID       string
	subVehDeltas   string
	subVehCmd      string
	subVehStatus   string
	members        *asyncval.Value[[]string]
	statusInterval time.Duration
	runVehicle     VehicleRunner

	mu        sync.Mutex
	workerIDs []string // current membership, always including self
	known     map[string]protocol.VehicleConfig
	tasks     map[string]*vehicleTask
}

type vehicleTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher returns a Dispatcher for the given worker identity, fed
// membership snapshots from members.
func NewDispatcher(conn *bus.Conn, workerID string, members *asyncval.Value[[]string],
	subVehDeltas, subVehCmd, subVehStatus string, statusInterval time.Duration) *Dispatcher {

	var d = &Dispatcher{
		bus:            conn,
		workerID:       workerID,
		subVehDeltas:   subVehDeltas,
		subVehCmd:      subVehCmd,
		subVehStatus:   subVehStatus,
		members:        members,
		statusInterval: statusInterval,
	}
	d.runVehicle = func(ctx context.Context, conn *bus.Conn, cfg protocol.VehicleConfig, subCmd, subStatus string) error {
		return runSimulator(ctx, conn, cfg, subCmd, subStatus, d.statusInterval)
	}
	return d
}

// Run dispatches until ctx is cancelled. On any failure all vehicle tasks
// are torn down and the error propagates to the outer supervisor, which
// re-enters Run with state rebuilt from scratch.
func (d *Dispatcher) Run(ctx context.Context) error {
	var ctxRun, cancel = context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	d.workerIDs = []string{d.workerID}
	d.known = make(map[string]protocol.VehicleConfig)
	d.tasks = make(map[string]*vehicleTask)
	d.mu.Unlock()
	defer d.cancelAllTasks()

	var sub, err = d.bus.Subscribe(protocol.Broadcast(d.subVehDeltas), func(m bus.Msg) {
		d.onDelta(ctxRun, m.Data)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	var rebalanceErr = make(chan error, 1)
	go func() { rebalanceErr <- d.rebalanceLoop(ctxRun) }()

	// Seed the full inventory from the manager. The reply is one update
	// delta listing every active vehicle.
	reply, err := d.bus.Request(ctxRun, protocol.Listen(d.subVehDeltas), nil)
	if err != nil {
		return fmt.Errorf("requesting vehicle inventory: %w", err)
	}
	var delta protocol.Delta
	if err = json.Unmarshal(reply, &delta); err != nil {
		return fmt.Errorf("decoding vehicle inventory: %w", err)
	} else if !delta.IsUpdate() {
		return fmt.Errorf("vehicle inventory reply is not an update delta")
	}

	d.mu.Lock()
	for _, cfg := range delta.Vehicles {
		d.declareLocked(ctxRun, cfg)
	}
	d.mu.Unlock()

	select {
	case err = <-rebalanceErr:
		return err
	case <-ctxRun.Done():
		return ctxRun.Err()
	}
}

// onDelta applies a broadcast inventory delta.
func (d *Dispatcher) onDelta(ctx context.Context, data []byte) {
	var delta protocol.Delta
	if err := json.Unmarshal(data, &delta); err != nil {
		log.WithFields(log.Fields{"worker": d.workerID, "err": err}).
			Warn("dropping malformed vehicle delta")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if delta.IsUpdate() {
		for _, cfg := range delta.Vehicles {
			d.declareLocked(ctx, cfg)
		}
	} else {
		for _, id := range delta.VehicleIDs {
			d.removeLocked(id)
		}
	}
}

// rebalanceLoop re-evaluates ownership on every membership change.
func (d *Dispatcher) rebalanceLoop(ctx context.Context) error {
	for {
		var ids, wait = d.members.Get()

		d.mu.Lock()
		var set = map[string]struct{}{d.workerID: {}}
		for _, id := range ids {
			set[id] = struct{}{}
		}
		var union = make([]string, 0, len(set))
		for id := range set {
			union = append(union, id)
		}
		d.workerIDs = union

		for vid := range d.tasks {
			if !Owns(d.workerID, d.workerIDs, vid) {
				d.cancelLocked(vid)
			}
		}
		for _, cfg := range d.known {
			d.ensureLocked(ctx, cfg)
		}
		d.mu.Unlock()

		log.WithFields(log.Fields{"worker": d.workerID, "members": len(union)}).
			Debug("rebalanced vehicle ownership")

		if err := wait(ctx); err != nil {
			return err
		}
	}
}

// declareLocked records cfg in the inventory and, if owned, (re)starts its
// task. A re-declaration of an owned vehicle restarts the simulator so new
// configuration takes effect.
func (d *Dispatcher) declareLocked(ctx context.Context, cfg protocol.VehicleConfig) {
	d.known[cfg.VehicleID] = cfg
	if !Owns(d.workerID, d.workerIDs, cfg.VehicleID) {
		d.cancelLocked(cfg.VehicleID)
		return
	}
	d.cancelLocked(cfg.VehicleID)
	d.startLocked(ctx, cfg)
}

// ensureLocked is the idempotent variant used while rebalancing: an owned
// vehicle whose task is already running is left alone.
func (d *Dispatcher) ensureLocked(ctx context.Context, cfg protocol.VehicleConfig) {
	if !Owns(d.workerID, d.workerIDs, cfg.VehicleID) {
		d.cancelLocked(cfg.VehicleID)
		return
	}
	if _, running := d.tasks[cfg.VehicleID]; !running {
		d.startLocked(ctx, cfg)
	}
}

func (d *Dispatcher) removeLocked(vehicleID string) {
	delete(d.known, vehicleID)
	d.cancelLocked(vehicleID)
}

func (d *Dispatcher) startLocked(ctx context.Context, cfg protocol.VehicleConfig) {
	var taskCtx, cancel = context.WithCancel(ctx)
	var t = &vehicleTask{cancel: cancel, done: make(chan struct{})}
	d.tasks[cfg.VehicleID] = t

	var subCmd = protocol.Vehicle(d.subVehCmd, cfg.VehicleID)
	var subStatus = protocol.Vehicle(d.subVehStatus, cfg.VehicleID)

	simulatorsStartedTotal.Inc()
	go func() {
		defer close(t.done)
		resilience.Supervise(taskCtx, "vehicle-"+cfg.VehicleID, func(c context.Context) error {
			return d.runVehicle(c, d.bus, cfg, subCmd, subStatus)
		})
	}()
}

func (d *Dispatcher) cancelLocked(vehicleID string) {
	var t, ok = d.tasks[vehicleID]
	if !ok {
		return
	}
	t.cancel()
	delete(d.tasks, vehicleID)
	simulatorsStoppedTotal.Inc()
}

func (d *Dispatcher) cancelAllTasks() {
	d.mu.Lock()
	var pending []*vehicleTask
	for id, t := range d.tasks {
		t.cancel()
		pending = append(pending, t)
		delete(d.tasks, id)
	}
	d.mu.Unlock()

	for _, t := range pending {
		<-t.done
	}
}

// KnownVehicles returns the ids of every vehicle in the local inventory,
// owned or not.
func (d *Dispatcher) KnownVehicles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids = make([]string, 0, len(d.known))
	for id := range d.known {
		ids = append(ids, id)
	}
	return ids
}

// RunningTasks returns the ids of vehicles this worker currently runs.
func (d *Dispatcher) RunningTasks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids = make([]string, 0, len(d.tasks))
	for id := range d.tasks {
		ids = append(ids, id)
	}
	return ids
}
