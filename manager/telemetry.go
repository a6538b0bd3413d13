package manager

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"

	"github.com/hoverfleet/hoverfleet/bus"
	"github.com/hoverfleet/hoverfleet/protocol"
	"github.com/hoverfleet/hoverfleet/resilience"
)

// Retry policies: transports retry hard (telemetry must not be dropped for
// a transient bus or store hiccup); delta publication gives up sooner since
// workers re-request the inventory on restart anyway.
const (
	transportRetryAttempts = 60
	deltaRetryAttempts     = 10
	retryDelay             = 5 * time.Second
)

// queueGroup makes every subscription of the manager replicas compete for
// messages, so exactly one replica consumes each.
const queueGroup = "vm"

// Telemetry consumes per-vehicle status messages: it persists position and
// immobilizer telemetry, evaluates geofence crossings, and issues
// immobilize commands back to the owning worker's simulator.
//
// No per-vehicle ordering is assumed across queue-group members; position
// history is timestamped and immobilization is latched per event, so rare
// out-of-order delivery is absorbed.
type Telemetry struct {
	store        *Store
	bus          *bus.Conn
	subVehStatus string
	subVehCmd    string
}

// NewTelemetry returns a telemetry listener over the given store and bus.
func NewTelemetry(store *Store, conn *bus.Conn, subVehStatus, subVehCmd string) *Telemetry {
	return &Telemetry{store: store, bus: conn, subVehStatus: subVehStatus, subVehCmd: subVehCmd}
}

// Run consumes status messages until ctx is cancelled.
func (t *Telemetry) Run(ctx context.Context) error {
	var sub, err = t.bus.QueueSubscribe(
		protocol.VehicleWildcard(t.subVehStatus), queueGroup,
		func(m bus.Msg) { t.onStatus(ctx, m) },
	)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return ctx.Err()
}

// immobilizeCmd is a command owed to a vehicle after a crossing commits.
type immobilizeCmd struct {
	geofenceID uuid.UUID
	active     bool
}

func (t *Telemetry) onStatus(ctx context.Context, m bus.Msg) {
	// The vehicle id is the last token of the per-vehicle subject.
	var tokens = strings.Split(m.Subject, ".")
	var vehicleID, err = uuid.Parse(tokens[len(tokens)-1])
	if err != nil {
		log.WithFields(log.Fields{"subject": m.Subject, "err": err}).
			Warn("dropping status with malformed vehicle id")
		return
	}
	status, err := protocol.DecodeStatus(m.Data)
	if err != nil {
		log.WithFields(log.Fields{"subject": m.Subject, "err": err}).
			Warn("dropping malformed status")
		return
	}

	// The store write and the command transmit retry independently: once the
	// transaction commits, a transmit failure must re-run only the publish,
	// never the (already committed) writes.
	var commands []immobilizeCmd
	err = resilience.Retry(ctx, transportRetryAttempts, retryDelay, func(ctx context.Context) error {
		switch s := status.(type) {
		case protocol.StatusPos:
			var err error
			commands, err = t.processPos(ctx, vehicleID, s.Lat, s.Lon, s.TS)
			return err
		case protocol.StatusImmobilizer:
			return t.processImmobilizer(ctx, vehicleID, s.Correlation, s.Active, s.TS)
		}
		return nil
	})
	if err == nil {
		for _, cmd := range commands {
			var gfID = cmd.geofenceID
			if err = transmitImmobilize(ctx, t.bus, t.subVehCmd, vehicleID,
				protocol.Correlation{GeofenceID: &gfID}, cmd.active); err != nil {
				break
			}
		}
	}
	if err != nil && ctx.Err() == nil {
		log.WithFields(log.Fields{"vehicle": vehicleID, "err": err}).
			Warn("giving up on telemetry message")
	}
}

// processPos persists one position fix and evaluates geofence crossings,
// returning the immobilizer commands the crossings call for. It is
// idempotent under retry and redelivery: event rows insert-or-ignore on
// their (vehicle, ts) keys, so re-processing an already committed fix
// cannot fail on a constraint.
func (t *Telemetry) processPos(ctx context.Context, vehicleID uuid.UUID, lat, lon float64, ts time.Time) ([]immobilizeCmd, error) {
	var commands []immobilizeCmd

	var err = t.store.withinTx(ctx, func(tx *sql.Tx) error {
		var vehicle, err = getVehicleTx(tx, vehicleID)
		if err != nil {
			return err
		}
		if vehicle == nil || !vehicle.Active {
			// Telemetry may still be in flight for a vehicle deleted since.
			return nil
		}

		var prev *orb.Point
		if vehicle.Lat != nil && vehicle.Lon != nil {
			prev = &orb.Point{*vehicle.Lon, *vehicle.Lat}
		}
		var curr = orb.Point{lon, lat}

		if err = updateVehiclePosTx(tx, vehicleID, lat, lon); err != nil {
			return err
		}
		if err = insertPosEventTx(tx, PosEvent{VehicleID: vehicleID, TS: ts, Lat: lat, Lon: lon}); err != nil {
			return err
		}
		telemetryRowsTotal.WithLabelValues("pos").Inc()

		geofences, err := activeGeofencesForVehicleTx(tx, vehicleID)
		if err != nil {
			return err
		}
		for _, gf := range geofences {
			var geom, err = parseGeometry(gf.Data)
			if err != nil {
				log.WithFields(log.Fields{"geofence": gf.ID, "err": err}).
					Warn("skipping geofence with malformed geometry")
				continue
			}
			var currInside = geometryContains(geom, curr)
			var prevInside = prev != nil && geometryContains(geom, *prev)
			if currInside == prevInside {
				continue
			}

			if err = insertGeofenceCrossingTx(tx, GeofenceCrossing{
				VehicleID:  vehicleID,
				GeofenceID: gf.ID,
				TS:         ts,
				Entered:    currInside,
			}); err != nil {
				return err
			}
			geofenceCrossingsTotal.Inc()

			if currInside && gf.ImmobilizeEnter && !vehicle.Immobilized {
				commands = append(commands, immobilizeCmd{geofenceID: gf.ID, active: true})
			}
			if !currInside && gf.ImmobilizeLeave && vehicle.Immobilized {
				commands = append(commands, immobilizeCmd{geofenceID: gf.ID, active: false})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return commands, nil
}

// processImmobilizer records an observed immobilizer state change and
// latches the vehicle's immobilized flag.
func (t *Telemetry) processImmobilizer(ctx context.Context, vehicleID uuid.UUID, corr protocol.Correlation, active bool, ts time.Time) error {
	return t.store.withinTx(ctx, func(tx *sql.Tx) error {
		var vehicle, err = getVehicleTx(tx, vehicleID)
		if err != nil {
			return err
		}
		if vehicle == nil || !vehicle.Active {
			return nil
		}

		if err = insertImmobilizedEventTx(tx, ImmobilizedEvent{
			VehicleID:   vehicleID,
			TS:          ts,
			UserID:      corr.UserID,
			GeofenceID:  corr.GeofenceID,
			Immobilized: active,
		}); err != nil {
			return err
		}
		telemetryRowsTotal.WithLabelValues("immobilizer").Inc()
		return setVehicleImmobilizedTx(tx, vehicleID, active)
	})
}

// transmitImmobilize publishes an immobilizer command on the vehicle's
// command subject under the transport retry policy.
func transmitImmobilize(ctx context.Context, conn *bus.Conn, subVehCmd string, vehicleID uuid.UUID, corr protocol.Correlation, active bool) error {
	var data, err = json.Marshal(protocol.NewCmdImmobilizer(corr, active))
	if err != nil {
		return err
	}
	var subject = protocol.Vehicle(subVehCmd, vehicleID.String())

	return resilience.Retry(ctx, transportRetryAttempts, retryDelay, func(context.Context) error {
		if err := conn.Publish(subject, data); err != nil {
			return err
		}
		immobilizeCommandsTotal.Inc()
		return nil
	})
}
