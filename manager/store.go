// Package manager implements the authoritative side of the vehicle fleet:
// the relational store of vehicles, geofences, and telemetry events, the
// telemetry listener consuming per-vehicle status, and the delta publisher
// and inventory responder the worker cluster depends on.
package manager

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Vehicle is one registered vehicle. Lat/Lon hold the last reported live
// position and are nil before the first fix.
type Vehicle struct {
	ID          uuid.UUID
	Active      bool
	Name        string
	VType       string
	VConfig     json.RawMessage
	Immobilized bool
	Lat         *float64
	Lon         *float64
}

// Geofence is one registered geofence; Data is its GeoJSON geometry.
type Geofence struct {
	ID              uuid.UUID
	Active          bool
	Name            string
	Data            json.RawMessage
	ImmobilizeEnter bool
	ImmobilizeLeave bool
}

// PosEvent is one persisted position fix.
type PosEvent struct {
	VehicleID uuid.UUID
	TS        time.Time
	Lat       float64
	Lon       float64
}

// GeofenceCrossing is one persisted geofence entry/exit event.
type GeofenceCrossing struct {
	VehicleID  uuid.UUID
	GeofenceID uuid.UUID
	TS         time.Time
	Entered    bool
}

// ImmobilizedEvent is one persisted immobilizer state change, with its
// correlation (the user and/or geofence that caused it).
type ImmobilizedEvent struct {
	VehicleID   uuid.UUID
	TS          time.Time
	UserID      *string
	GeofenceID  *uuid.UUID
	Immobilized bool
}

// Store is the manager's relational store. Every logical operation runs in
// one transaction which rolls back on any failure.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and if necessary initializes) the store at path. Use
// ":memory:" for an ephemeral store.
func OpenStore(path string) (*Store, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	// SQLite serializes writers anyway; a single connection also keeps
	// ":memory:" stores coherent across operations.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// withinTx runs fn in a transaction, committing on success and rolling
// back on error.
func (s *Store) withinTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func encodeTS(ts time.Time) string { return ts.UTC().Format(time.RFC3339Nano) }

func decodeTS(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

// getVehicleTx loads a vehicle, or nil if it does not exist.
func getVehicleTx(tx *sql.Tx, id uuid.UUID) (*Vehicle, error) {
	var v = Vehicle{ID: id}
	var vconfig string
	var err = tx.QueryRow(
		`SELECT active, name, vtype, vconfig, immobilized, lat, lon FROM vehicle WHERE id = ?`,
		id.String(),
	).Scan(&v.Active, &v.Name, &v.VType, &vconfig, &v.Immobilized, &v.Lat, &v.Lon)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	v.VConfig = json.RawMessage(vconfig)
	return &v, nil
}

func insertVehicleTx(tx *sql.Tx, v Vehicle) error {
	var _, err = tx.Exec(
		`INSERT INTO vehicle (id, active, name, vtype, vconfig, immobilized) VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID.String(), v.Active, v.Name, v.VType, string(v.VConfig), v.Immobilized)
	return err
}

func updateVehiclePosTx(tx *sql.Tx, id uuid.UUID, lat, lon float64) error {
	var _, err = tx.Exec(`UPDATE vehicle SET lat = ?, lon = ? WHERE id = ?`, lat, lon, id.String())
	return err
}

func setVehicleImmobilizedTx(tx *sql.Tx, id uuid.UUID, immobilized bool) error {
	var _, err = tx.Exec(`UPDATE vehicle SET immobilized = ? WHERE id = ?`, immobilized, id.String())
	return err
}

func setVehicleNameTx(tx *sql.Tx, id uuid.UUID, name string) error {
	var _, err = tx.Exec(`UPDATE vehicle SET name = ? WHERE id = ?`, name, id.String())
	return err
}

func setVehicleActiveTx(tx *sql.Tx, id uuid.UUID, active bool) error {
	var _, err = tx.Exec(`UPDATE vehicle SET active = ? WHERE id = ?`, active, id.String())
	return err
}

// Event inserts are insert-or-ignore on their primary keys: telemetry is
// delivered at-least-once and retried, so an already persisted event must
// not fail a later attempt.
func insertPosEventTx(tx *sql.Tx, e PosEvent) error {
	var _, err = tx.Exec(
		`INSERT OR IGNORE INTO vehicle_pos (vehicle_id, ts, lat, lon) VALUES (?, ?, ?, ?)`,
		e.VehicleID.String(), encodeTS(e.TS), e.Lat, e.Lon)
	return err
}

func insertGeofenceCrossingTx(tx *sql.Tx, e GeofenceCrossing) error {
	var _, err = tx.Exec(
		`INSERT OR IGNORE INTO vehicle_geofence_event (vehicle_id, geofence_id, ts, entered) VALUES (?, ?, ?, ?)`,
		e.VehicleID.String(), e.GeofenceID.String(), encodeTS(e.TS), e.Entered)
	return err
}

func insertImmobilizedEventTx(tx *sql.Tx, e ImmobilizedEvent) error {
	var userID, geofenceID any
	if e.UserID != nil {
		userID = *e.UserID
	}
	if e.GeofenceID != nil {
		geofenceID = e.GeofenceID.String()
	}
	var _, err = tx.Exec(
		`INSERT OR IGNORE INTO vehicle_immobilized (vehicle_id, ts, user_id, geofence_id, immobilized) VALUES (?, ?, ?, ?, ?)`,
		e.VehicleID.String(), encodeTS(e.TS), userID, geofenceID, e.Immobilized)
	return err
}

// insertAuditTx records a created/modified/deleted audit event for a
// vehicle or geofence; table names come from the fixed schema only.
func insertAuditTx(tx *sql.Tx, table string, entityID uuid.UUID, ts time.Time, userID string) error {
	var column = "vehicle_id"
	switch table {
	case "geofence_created", "geofence_modified", "geofence_deleted":
		column = "geofence_id"
	}
	var _, err = tx.Exec(
		fmt.Sprintf(`INSERT INTO %s (%s, ts, user_id) VALUES (?, ?, ?)`, table, column),
		entityID.String(), encodeTS(ts), userID)
	return err
}

// activeGeofencesForVehicleTx loads all active geofences linked to a vehicle.
func activeGeofencesForVehicleTx(tx *sql.Tx, vehicleID uuid.UUID) ([]Geofence, error) {
	var rows, err = tx.Query(
		`SELECT g.id, g.active, g.name, g.data, g.immobilize_enter, g.immobilize_leave
		 FROM geofence g
		 JOIN vehicle_geofence vg ON vg.geofence_id = g.id
		 WHERE vg.vehicle_id = ? AND g.active = 1`,
		vehicleID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Geofence
	for rows.Next() {
		var g Geofence
		var id, data string
		if err = rows.Scan(&id, &g.Active, &g.Name, &data, &g.ImmobilizeEnter, &g.ImmobilizeLeave); err != nil {
			return nil, err
		}
		if g.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		g.Data = json.RawMessage(data)
		out = append(out, g)
	}
	return out, rows.Err()
}

func getGeofenceTx(tx *sql.Tx, id uuid.UUID) (*Geofence, error) {
	var g = Geofence{ID: id}
	var data string
	var err = tx.QueryRow(
		`SELECT active, name, data, immobilize_enter, immobilize_leave FROM geofence WHERE id = ?`,
		id.String(),
	).Scan(&g.Active, &g.Name, &data, &g.ImmobilizeEnter, &g.ImmobilizeLeave)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	g.Data = json.RawMessage(data)
	return &g, nil
}

func insertGeofenceTx(tx *sql.Tx, g Geofence) error {
	var _, err = tx.Exec(
		`INSERT INTO geofence (id, active, name, data, immobilize_enter, immobilize_leave) VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID.String(), g.Active, g.Name, string(g.Data), g.ImmobilizeEnter, g.ImmobilizeLeave)
	return err
}

// GetVehicle loads a vehicle by id, or nil if it does not exist.
func (s *Store) GetVehicle(ctx context.Context, id uuid.UUID) (*Vehicle, error) {
	var v *Vehicle
	var err = s.withinTx(ctx, func(tx *sql.Tx) (err error) {
		v, err = getVehicleTx(tx, id)
		return
	})
	return v, err
}

// GetGeofence loads a geofence by id, or nil if it does not exist.
func (s *Store) GetGeofence(ctx context.Context, id uuid.UUID) (*Geofence, error) {
	var g *Geofence
	var err = s.withinTx(ctx, func(tx *sql.Tx) (err error) {
		g, err = getGeofenceTx(tx, id)
		return
	})
	return g, err
}

// ListActiveVehicles returns every active vehicle.
func (s *Store) ListActiveVehicles(ctx context.Context) ([]Vehicle, error) {
	var rows, err = s.db.QueryContext(ctx,
		`SELECT id, active, name, vtype, vconfig, immobilized, lat, lon FROM vehicle WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Vehicle
	for rows.Next() {
		var v Vehicle
		var id, vconfig string
		if err = rows.Scan(&id, &v.Active, &v.Name, &v.VType, &vconfig, &v.Immobilized, &v.Lat, &v.Lon); err != nil {
			return nil, err
		}
		if v.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		v.VConfig = json.RawMessage(vconfig)
		out = append(out, v)
	}
	return out, rows.Err()
}

// VehiclePositions returns the persisted position history of a vehicle in
// timestamp order.
func (s *Store) VehiclePositions(ctx context.Context, vehicleID uuid.UUID) ([]PosEvent, error) {
	var rows, err = s.db.QueryContext(ctx,
		`SELECT ts, lat, lon FROM vehicle_pos WHERE vehicle_id = ? ORDER BY ts`, vehicleID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PosEvent
	for rows.Next() {
		var e = PosEvent{VehicleID: vehicleID}
		var ts string
		if err = rows.Scan(&ts, &e.Lat, &e.Lon); err != nil {
			return nil, err
		}
		if e.TS, err = decodeTS(ts); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GeofenceCrossings returns the persisted crossing events of a vehicle in
// timestamp order.
func (s *Store) GeofenceCrossings(ctx context.Context, vehicleID uuid.UUID) ([]GeofenceCrossing, error) {
	var rows, err = s.db.QueryContext(ctx,
		`SELECT geofence_id, ts, entered FROM vehicle_geofence_event WHERE vehicle_id = ? ORDER BY ts`,
		vehicleID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GeofenceCrossing
	for rows.Next() {
		var e = GeofenceCrossing{VehicleID: vehicleID}
		var gfID, ts string
		if err = rows.Scan(&gfID, &ts, &e.Entered); err != nil {
			return nil, err
		}
		if e.GeofenceID, err = uuid.Parse(gfID); err != nil {
			return nil, err
		}
		if e.TS, err = decodeTS(ts); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ImmobilizedEvents returns the persisted immobilizer events of a vehicle
// in timestamp order.
func (s *Store) ImmobilizedEvents(ctx context.Context, vehicleID uuid.UUID) ([]ImmobilizedEvent, error) {
	var rows, err = s.db.QueryContext(ctx,
		`SELECT ts, user_id, geofence_id, immobilized FROM vehicle_immobilized WHERE vehicle_id = ? ORDER BY ts`,
		vehicleID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ImmobilizedEvent
	for rows.Next() {
		var e = ImmobilizedEvent{VehicleID: vehicleID}
		var ts string
		var gfID *string
		if err = rows.Scan(&ts, &e.UserID, &gfID, &e.Immobilized); err != nil {
			return nil, err
		}
		if e.TS, err = decodeTS(ts); err != nil {
			return nil, err
		}
		if gfID != nil {
			var id uuid.UUID
			if id, err = uuid.Parse(*gfID); err != nil {
				return nil, err
			}
			e.GeofenceID = &id
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
