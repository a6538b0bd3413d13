package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hoverfleet/hoverfleet/asyncval"
	"github.com/hoverfleet/hoverfleet/bus"
	"github.com/hoverfleet/hoverfleet/bus/bustest"
	"github.com/hoverfleet/hoverfleet/protocol"
)

func TestHeartbeatRepliesToPolls(t *testing.T) {
	var srv = bustest.NewServer(t)
	var conn = bustest.Dial(t, srv)

	var replies = make(chan protocol.Heartbeat, 16)
	var sub, err = conn.Subscribe(protocol.Resp("t.hb"), func(m bus.Msg) {
		var hb protocol.Heartbeat
		if err := json.Unmarshal(m.Data, &hb); err == nil {
			replies <- hb
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan struct{})
	go func() {
		defer close(done)
		_ = RunHeartbeat(ctx, conn, "worker-hb", "t.hb")
	}()

	// The startup heartbeat arrives unprompted.
	select {
	case hb := <-replies:
		require.Equal(t, protocol.Heartbeat{WorkerID: "worker-hb", Active: true}, hb)
	case <-time.After(5 * time.Second):
		t.Fatal("no startup heartbeat")
	}

	// Each poll produces one reply.
	require.NoError(t, conn.Publish(protocol.Req("t.hb"), nil))
	select {
	case hb := <-replies:
		require.True(t, hb.Active)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply to poll")
	}

	// Orderly shutdown announces active=false.
	cancel()
	select {
	case hb := <-replies:
		require.Equal(t, protocol.Heartbeat{WorkerID: "worker-hb", Active: false}, hb)
	case <-time.After(5 * time.Second):
		t.Fatal("no shutdown heartbeat")
	}
	<-done
}

func TestMembershipListenerSeedsAndFollows(t *testing.T) {
	var srv = bustest.NewServer(t)
	var conn = bustest.Dial(t, srv)

	// Fake coordinator responder serving the on-demand snapshot.
	var sub, err = conn.Subscribe(protocol.Listen("t.wl"), func(m bus.Msg) {
		var data, _ = json.Marshal(protocol.WorkerIDs{WorkerIDs: []string{"seed-1"}})
		require.NoError(t, m.Respond(data))
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var out = asyncval.New([]string{})
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = RunMembershipListener(ctx, conn, "t.wl", out) }()

	require.Eventually(t, func() bool {
		var ids, _ = out.Get()
		return len(ids) == 1 && ids[0] == "seed-1"
	}, 5*time.Second, 10*time.Millisecond)

	// A broadcast replaces the seeded view.
	var data, _ = json.Marshal(protocol.WorkerIDs{WorkerIDs: []string{"w1", "w2"}})
	require.NoError(t, conn.Publish(protocol.Broadcast("t.wl"), data))

	require.Eventually(t, func() bool {
		var ids, _ = out.Get()
		return len(ids) == 2
	}, 5*time.Second, 10*time.Millisecond)
}
