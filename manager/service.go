package manager

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hoverfleet/hoverfleet/bus"
	"github.com/hoverfleet/hoverfleet/protocol"
)

// Service is the transactional mutation contract of the manager: the
// operations the CRUD surface invokes. Each mutation writes its audit
// event row in the same transaction, and activation changes are announced
// to the worker cluster as deltas.
type Service struct {
	store     *Store
	bus       *bus.Conn
	subVehCmd string
	deltas    *Deltas
}

// NewService returns a Service over the given store and bus.
func NewService(store *Store, conn *bus.Conn, subVehDeltas, subVehCmd string) *Service {
	return &Service{
		store:     store,
		bus:       conn,
		subVehCmd: subVehCmd,
		deltas:    NewDeltas(store, conn, subVehDeltas),
	}
}

// CreateVehicle registers a new active vehicle and announces it.
func (s *Service) CreateVehicle(ctx context.Context, userID, name, vtype string, vconfig json.RawMessage) (Vehicle, error) {
	var v = Vehicle{
		ID:      uuid.New(),
		Active:  true,
		Name:    name,
		VType:   vtype,
		VConfig: vconfig,
	}
	var err = s.store.withinTx(ctx, func(tx *sql.Tx) error {
		if err := insertVehicleTx(tx, v); err != nil {
			return err
		}
		return insertAuditTx(tx, "vehicle_created", v.ID, time.Now(), userID)
	})
	if err != nil {
		return Vehicle{}, err
	}
	return v, s.deltas.PublishActivation(ctx, v)
}

// UpdateVehicle renames and/or (un)immobilizes an active vehicle. The audit
// event is recorded only when something actually changed, and an immobilizer
// change transmits the command to the vehicle with the user's correlation.
// Inactive vehicles are treated as not found.
func (s *Service) UpdateVehicle(ctx context.Context, userID string, id uuid.UUID, name *string, immobilized *bool) (*Vehicle, error) {
	var vehicle *Vehicle
	var transmit bool

	var err = s.store.withinTx(ctx, func(tx *sql.Tx) (err error) {
		if vehicle, err = getVehicleTx(tx, id); err != nil {
			return err
		}
		if vehicle == nil || !vehicle.Active {
			vehicle = nil
			return nil
		}

		var modified bool
		if name != nil && *name != vehicle.Name {
			if err = setVehicleNameTx(tx, id, *name); err != nil {
				return err
			}
			vehicle.Name = *name
			modified = true
		}
		if immobilized != nil && *immobilized != vehicle.Immobilized {
			transmit = true
			vehicle.Immobilized = *immobilized
			modified = true
		}
		if !modified {
			return nil
		}
		return insertAuditTx(tx, "vehicle_modified", id, time.Now(), userID)
	})
	if err != nil || vehicle == nil {
		return nil, err
	}

	if transmit {
		var corr = protocol.Correlation{UserID: &userID}
		if err = transmitImmobilize(ctx, s.bus, s.subVehCmd, id, corr, vehicle.Immobilized); err != nil {
			return nil, err
		}
	}
	return vehicle, nil
}

// DeleteVehicle deactivates a vehicle (rows and history are retained) and
// announces its removal to the cluster.
func (s *Service) DeleteVehicle(ctx context.Context, userID string, id uuid.UUID) error {
	var vehicle *Vehicle
	var err = s.store.withinTx(ctx, func(tx *sql.Tx) (err error) {
		if vehicle, err = getVehicleTx(tx, id); err != nil || vehicle == nil {
			return err
		}
		if err = setVehicleActiveTx(tx, id, false); err != nil {
			return err
		}
		return insertAuditTx(tx, "vehicle_deleted", id, time.Now(), userID)
	})
	if err != nil {
		return err
	}
	if vehicle == nil {
		return fmt.Errorf("vehicle %s not found", id)
	}
	vehicle.Active = false
	return s.deltas.PublishActivation(ctx, *vehicle)
}

// CreateGeofence registers a new active geofence. The geometry must be
// valid GeoJSON.
func (s *Service) CreateGeofence(ctx context.Context, userID, name string, data json.RawMessage, immobilizeEnter, immobilizeLeave bool) (Geofence, error) {
	if _, err := parseGeometry(data); err != nil {
		return Geofence{}, fmt.Errorf("invalid geofence geometry: %w", err)
	}
	var g = Geofence{
		ID:              uuid.New(),
		Active:          true,
		Name:            name,
		Data:            data,
		ImmobilizeEnter: immobilizeEnter,
		ImmobilizeLeave: immobilizeLeave,
	}
	return g, s.store.withinTx(ctx, func(tx *sql.Tx) error {
		if err := insertGeofenceTx(tx, g); err != nil {
			return err
		}
		return insertAuditTx(tx, "geofence_created", g.ID, time.Now(), userID)
	})
}

// UpdateGeofence adjusts a geofence's name and immobilize flags.
func (s *Service) UpdateGeofence(ctx context.Context, userID string, id uuid.UUID, name *string, immobilizeEnter, immobilizeLeave *bool) (*Geofence, error) {
	var geofence *Geofence
	var err = s.store.withinTx(ctx, func(tx *sql.Tx) (err error) {
		if geofence, err = getGeofenceTx(tx, id); err != nil || geofence == nil {
			return err
		}
		if name != nil {
			geofence.Name = *name
		}
		if immobilizeEnter != nil {
			geofence.ImmobilizeEnter = *immobilizeEnter
		}
		if immobilizeLeave != nil {
			geofence.ImmobilizeLeave = *immobilizeLeave
		}
		if _, err = tx.Exec(
			`UPDATE geofence SET name = ?, immobilize_enter = ?, immobilize_leave = ? WHERE id = ?`,
			geofence.Name, geofence.ImmobilizeEnter, geofence.ImmobilizeLeave, id.String(),
		); err != nil {
			return err
		}
		return insertAuditTx(tx, "geofence_modified", id, time.Now(), userID)
	})
	if err != nil {
		return nil, err
	}
	return geofence, nil
}

// DeleteGeofence deactivates a geofence.
func (s *Service) DeleteGeofence(ctx context.Context, userID string, id uuid.UUID) error {
	return s.store.withinTx(ctx, func(tx *sql.Tx) error {
		var g, err = getGeofenceTx(tx, id)
		if err != nil {
			return err
		}
		if g == nil {
			return fmt.Errorf("geofence %s not found", id)
		}
		if _, err = tx.Exec(`UPDATE geofence SET active = 0 WHERE id = ?`, id.String()); err != nil {
			return err
		}
		return insertAuditTx(tx, "geofence_deleted", id, time.Now(), userID)
	})
}

// LinkVehicleGeofence attaches a geofence to a vehicle.
func (s *Service) LinkVehicleGeofence(ctx context.Context, vehicleID, geofenceID uuid.UUID) error {
	return s.store.withinTx(ctx, func(tx *sql.Tx) error {
		var _, err = tx.Exec(
			`INSERT OR IGNORE INTO vehicle_geofence (vehicle_id, geofence_id) VALUES (?, ?)`,
			vehicleID.String(), geofenceID.String())
		return err
	})
}

// UnlinkVehicleGeofence detaches a geofence from a vehicle.
func (s *Service) UnlinkVehicleGeofence(ctx context.Context, vehicleID, geofenceID uuid.UUID) error {
	return s.store.withinTx(ctx, func(tx *sql.Tx) error {
		var _, err = tx.Exec(
			`DELETE FROM vehicle_geofence WHERE vehicle_id = ? AND geofence_id = ?`,
			vehicleID.String(), geofenceID.String())
		return err
	})
}
