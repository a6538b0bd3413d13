package manager

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hoverfleet/hoverfleet/bus"
	"github.com/hoverfleet/hoverfleet/bus/bustest"
	"github.com/hoverfleet/hoverfleet/protocol"
)

func newTestService(t *testing.T) (*Service, *Store, *bus.Conn) {
	var srv = bustest.NewServer(t)
	var conn = bustest.Dial(t, srv)
	var store = newTestStore(t)
	return NewService(store, conn, testSubVehDeltas, testSubCmd), store, conn
}

func auditCount(t *testing.T, store *Store, table string) int {
	var n int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

func TestServiceVehicleLifecycle(t *testing.T) {
	var svc, store, conn = newTestService(t)
	var ctx = context.Background()

	var deltaCh = make(chan protocol.Delta, 4)
	var sub, err = conn.Subscribe(protocol.Broadcast(testSubVehDeltas), func(m bus.Msg) {
		var d protocol.Delta
		if json.Unmarshal(m.Data, &d) == nil {
			deltaCh <- d
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	v, err := svc.CreateVehicle(ctx, "alice", "scout-1", "test", json.RawMessage(`{"lat":48,"lon":11,"std":0.001}`))
	require.NoError(t, err)
	require.True(t, v.Active)

	var d = recvDelta(t, deltaCh)
	require.True(t, d.IsUpdate())
	require.Equal(t, v.ID.String(), d.Vehicles[0].VehicleID)
	require.Equal(t, 1, auditCount(t, store, "vehicle_created"))

	var name = "scout-renamed"
	updated, err := svc.UpdateVehicle(ctx, "alice", v.ID, &name, nil)
	require.NoError(t, err)
	require.Equal(t, name, updated.Name)

	got, err := store.GetVehicle(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, name, got.Name)
	require.Equal(t, 1, auditCount(t, store, "vehicle_modified"))

	require.NoError(t, svc.DeleteVehicle(ctx, "alice", v.ID))
	d = recvDelta(t, deltaCh)
	require.False(t, d.IsUpdate())
	require.Equal(t, []string{v.ID.String()}, d.VehicleIDs)
	require.Equal(t, 1, auditCount(t, store, "vehicle_deleted"))

	// Soft delete: the row survives, but it is no longer listed as active.
	got, err = store.GetVehicle(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.False(t, got.Active)

	active, err := store.ListActiveVehicles(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	// Mutating a missing vehicle is not an error for Update (nil result),
	// but Delete reports it.
	missing, err := svc.UpdateVehicle(ctx, "alice", uuid.New(), &name, nil)
	require.NoError(t, err)
	require.Nil(t, missing)
	require.Error(t, svc.DeleteVehicle(ctx, "alice", uuid.New()))
}

func TestServiceManualImmobilizeTransmitsCommand(t *testing.T) {
	var svc, store, conn = newTestService(t)
	var ctx = context.Background()

	v, err := svc.CreateVehicle(ctx, "alice", "scout-1", "test", json.RawMessage(`{}`))
	require.NoError(t, err)

	var cmdCh = make(chan protocol.CmdImmobilizer, 4)
	sub, err := conn.Subscribe(protocol.Vehicle(testSubCmd, v.ID.String()), func(m bus.Msg) {
		var cmd protocol.CmdImmobilizer
		if json.Unmarshal(m.Data, &cmd) == nil {
			cmdCh <- cmd
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var engage = true
	updated, err := svc.UpdateVehicle(ctx, "alice", v.ID, nil, &engage)
	require.NoError(t, err)
	require.True(t, updated.Immobilized)

	var cmd protocol.CmdImmobilizer
	select {
	case cmd = <-cmdCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for immobilize command")
	}
	require.True(t, cmd.Active)
	require.NotNil(t, cmd.Correlation.UserID)
	require.Equal(t, "alice", *cmd.Correlation.UserID)
	require.Nil(t, cmd.Correlation.GeofenceID)

	// The stored flag latches only when the vehicle echoes the change back
	// through telemetry, not at command time.
	got, err := store.GetVehicle(ctx, v.ID)
	require.NoError(t, err)
	require.False(t, got.Immobilized)

	// Requesting the current state again transmits nothing.
	var release = false
	_, err = svc.UpdateVehicle(ctx, "alice", v.ID, nil, &release)
	require.NoError(t, err)
	select {
	case cmd = <-cmdCh:
		t.Fatalf("unexpected command: %+v", cmd)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServiceUpdateAuditsOnlyActualChanges(t *testing.T) {
	var svc, store, _ = newTestService(t)
	var ctx = context.Background()

	v, err := svc.CreateVehicle(ctx, "alice", "scout-1", "test", json.RawMessage(`{}`))
	require.NoError(t, err)

	// A no-op update records no audit event.
	var same = "scout-1"
	updated, err := svc.UpdateVehicle(ctx, "alice", v.ID, &same, nil)
	require.NoError(t, err)
	require.NotNil(t, updated)
	require.Equal(t, 0, auditCount(t, store, "vehicle_modified"))

	// A real rename records one.
	var renamed = "scout-2"
	_, err = svc.UpdateVehicle(ctx, "alice", v.ID, &renamed, nil)
	require.NoError(t, err)
	require.Equal(t, 1, auditCount(t, store, "vehicle_modified"))

	// A deactivated vehicle is treated as not found and left untouched.
	require.NoError(t, svc.DeleteVehicle(ctx, "alice", v.ID))
	gone, err := svc.UpdateVehicle(ctx, "alice", v.ID, &same, nil)
	require.NoError(t, err)
	require.Nil(t, gone)
	require.Equal(t, 1, auditCount(t, store, "vehicle_modified"))

	got, err := store.GetVehicle(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, renamed, got.Name)
}

func TestServiceGeofenceLifecycle(t *testing.T) {
	var svc, store, _ = newTestService(t)
	var ctx = context.Background()

	var _, err = svc.CreateGeofence(ctx, "alice", "bad", json.RawMessage(`{"type":"Nope"}`), false, false)
	require.Error(t, err)

	g, err := svc.CreateGeofence(ctx, "alice", "yard", unitSquare, true, false)
	require.NoError(t, err)
	require.True(t, g.Active)
	require.Equal(t, 1, auditCount(t, store, "geofence_created"))

	var name = "yard-2"
	var leave = true
	updated, err := svc.UpdateGeofence(ctx, "alice", g.ID, &name, nil, &leave)
	require.NoError(t, err)
	require.Equal(t, name, updated.Name)
	require.True(t, updated.ImmobilizeEnter)
	require.True(t, updated.ImmobilizeLeave)
	require.Equal(t, 1, auditCount(t, store, "geofence_modified"))

	got, err := store.GetGeofence(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, name, got.Name)
	require.True(t, got.ImmobilizeLeave)

	require.NoError(t, svc.DeleteGeofence(ctx, "alice", g.ID))
	require.Equal(t, 1, auditCount(t, store, "geofence_deleted"))
	got, err = store.GetGeofence(ctx, g.ID)
	require.NoError(t, err)
	require.False(t, got.Active)

	require.Error(t, svc.DeleteGeofence(ctx, "alice", uuid.New()))
}

func TestServiceLinkUnlink(t *testing.T) {
	var svc, store, _ = newTestService(t)
	var ctx = context.Background()

	v, err := svc.CreateVehicle(ctx, "alice", "scout-1", "test", json.RawMessage(`{}`))
	require.NoError(t, err)
	g, err := svc.CreateGeofence(ctx, "alice", "yard", unitSquare, false, false)
	require.NoError(t, err)

	var linked = func() []Geofence {
		var out []Geofence
		require.NoError(t, store.withinTx(ctx, func(tx *sql.Tx) (err error) {
			out, err = activeGeofencesForVehicleTx(tx, v.ID)
			return
		}))
		return out
	}

	require.NoError(t, svc.LinkVehicleGeofence(ctx, v.ID, g.ID))
	// Linking twice is a no-op.
	require.NoError(t, svc.LinkVehicleGeofence(ctx, v.ID, g.ID))
	require.Len(t, linked(), 1)
	require.Equal(t, g.ID, linked()[0].ID)

	require.NoError(t, svc.UnlinkVehicleGeofence(ctx, v.ID, g.ID))
	require.Empty(t, linked())
}
