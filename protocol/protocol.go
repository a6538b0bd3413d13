// Package protocol defines the JSON wire types exchanged between the
// coordinator, workers, and the manager, along with subject composition
// helpers. All messages are UTF-8 JSON; tagged unions are discriminated
// either by a "type" field (vehicle status and commands) or by which key
// is present (vehicle deltas).
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Heartbeat is a worker's reply to a coordinator poll. Active is true for a
// normal reply, and false when sent best-effort on orderly shutdown.
type Heartbeat struct {
	WorkerID string `json:"worker_id"`
	Active   bool   `json:"active"`
}

// WorkerIDs is the coordinator's authoritative membership snapshot.
type WorkerIDs struct {
	WorkerIDs []string `json:"worker_ids"`
}

// VehicleConfig describes one registered vehicle. VData is opaque to the
// cluster and interpreted only by the vehicle simulator.
type VehicleConfig struct {
	VehicleID string          `json:"vehicle_id"`
	VType     string          `json:"vtype"`
	VData     json.RawMessage `json:"vdata"`
}

// Delta announces a change to the active vehicle inventory. Exactly one of
// Vehicles (an update) or VehicleIDs (a delete) is set; the JSON shape
// carries only the populated key, and decoding discriminates on presence.
type Delta struct {
	Vehicles   []VehicleConfig
	VehicleIDs []string
}

// UpdateDelta builds a Delta declaring the given vehicles active.
func UpdateDelta(vehicles ...VehicleConfig) Delta {
	if vehicles == nil {
		vehicles = []VehicleConfig{}
	}
	return Delta{Vehicles: vehicles}
}

// DeleteDelta builds a Delta removing the given vehicle ids.
func DeleteDelta(ids ...string) Delta {
	if ids == nil {
		ids = []string{}
	}
	return Delta{VehicleIDs: ids}
}

// IsUpdate reports whether the delta is an inventory update (vs a delete).
func (d Delta) IsUpdate() bool { return d.Vehicles != nil }

func (d Delta) MarshalJSON() ([]byte, error) {
	switch {
	case d.Vehicles != nil && d.VehicleIDs != nil:
		return nil, fmt.Errorf("delta cannot be both update and delete")
	case d.Vehicles != nil:
		return json.Marshal(struct {
			Vehicles []VehicleConfig `json:"vehicles"`
		}{d.Vehicles})
	case d.VehicleIDs != nil:
		return json.Marshal(struct {
			VehicleIDs []string `json:"vehicle_ids"`
		}{d.VehicleIDs})
	default:
		return nil, fmt.Errorf("delta is neither update nor delete")
	}
}

func (d *Delta) UnmarshalJSON(data []byte) error {
	var probe struct {
		Vehicles   *[]VehicleConfig `json:"vehicles"`
		VehicleIDs *[]string        `json:"vehicle_ids"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch {
	case probe.Vehicles != nil && probe.VehicleIDs != nil:
		return fmt.Errorf("delta carries both %q and %q", "vehicles", "vehicle_ids")
	case probe.Vehicles == nil && probe.VehicleIDs == nil:
		return fmt.Errorf("delta carries neither %q nor %q", "vehicles", "vehicle_ids")
	case probe.Vehicles != nil:
		*d = Delta{Vehicles: *probe.Vehicles}
	default:
		*d = Delta{VehicleIDs: *probe.VehicleIDs}
	}
	return nil
}

// Correlation ties an immobilizer command or status to its cause: a user
// action, a geofence crossing, or neither.
type Correlation struct {
	UserID     *string    `json:"user_id"`
	GeofenceID *uuid.UUID `json:"geofence_id"`
}

// CmdImmobilizer instructs a vehicle to engage or release its immobilizer.
// It is published on the per-vehicle command subject.
type CmdImmobilizer struct {
	Type        string      `json:"type"` // always "immobilizer"
	Correlation Correlation `json:"correlation"`
	Active      bool        `json:"active"`
}

// NewCmdImmobilizer builds an immobilizer command with the type tag set.
func NewCmdImmobilizer(c Correlation, active bool) CmdImmobilizer {
	return CmdImmobilizer{Type: "immobilizer", Correlation: c, Active: active}
}

// Status is a telemetry message published on a per-vehicle status subject.
// Concrete variants are StatusPos and StatusImmobilizer.
type Status interface {
	isStatus()
}

// StatusPos reports a vehicle position fix.
type StatusPos struct {
	Type string    `json:"type"` // always "pos"
	Lat  float64   `json:"lat"`
	Lon  float64   `json:"lon"`
	TS   time.Time `json:"ts"`
}

func (StatusPos) isStatus() {}

// NewStatusPos builds a position status with the type tag set.
func NewStatusPos(lat, lon float64, ts time.Time) StatusPos {
	return StatusPos{Type: "pos", Lat: lat, Lon: lon, TS: ts}
}

// StatusImmobilizer reports an observed immobilizer state change.
type StatusImmobilizer struct {
	Type        string      `json:"type"` // always "immobilizer"
	Correlation Correlation `json:"correlation"`
	Active      bool        `json:"active"`
	TS          time.Time   `json:"ts"`
}

func (StatusImmobilizer) isStatus() {}

// NewStatusImmobilizer builds an immobilizer status with the type tag set.
func NewStatusImmobilizer(c Correlation, active bool, ts time.Time) StatusImmobilizer {
	return StatusImmobilizer{Type: "immobilizer", Correlation: c, Active: active, TS: ts}
}

// DecodeStatus decodes a status message by its "type" discriminator.
func DecodeStatus(data []byte) (Status, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, err
	}
	switch tag.Type {
	case "pos":
		var s StatusPos
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return s, nil
	case "immobilizer":
		var s StatusImmobilizer
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown status type %q", tag.Type)
	}
}
