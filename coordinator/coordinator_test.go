package coordinator_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hoverfleet/hoverfleet/asyncval"
	"github.com/hoverfleet/hoverfleet/bus"
	"github.com/hoverfleet/hoverfleet/bus/bustest"
	"github.com/hoverfleet/hoverfleet/coordinator"
	"github.com/hoverfleet/hoverfleet/protocol"
)

const (
	subHeartbeat  = "t.hb"
	subWorkerList = "t.workers"
)

// snapshotLog collects membership broadcasts in arrival order.
type snapshotLog struct {
	mu        sync.Mutex
	snapshots [][]string
}

func (l *snapshotLog) add(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots = append(l.snapshots, ids)
}

func (l *snapshotLog) latest() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.snapshots) == 0 {
		return nil
	}
	return l.snapshots[len(l.snapshots)-1]
}

func startCoordinator(t *testing.T, conn *bus.Conn, interval time.Duration, missedLimit int) *snapshotLog {
	t.Helper()

	var ctx, cancel = context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var latch = asyncval.New([]string{})
	var coord = coordinator.New(conn, subHeartbeat, interval, missedLimit, latch)
	var responder = coordinator.NewResponder(conn, latch, subWorkerList)

	go func() { _ = coord.Run(ctx) }()
	go func() { _ = responder.Run(ctx) }()

	var logged = &snapshotLog{}
	var sub, err = conn.Subscribe(protocol.Broadcast(subWorkerList), func(m bus.Msg) {
		var ids protocol.WorkerIDs
		if err := json.Unmarshal(m.Data, &ids); err == nil {
			logged.add(ids.WorkerIDs)
		}
	})
	require.NoError(t, err)
	t.Cleanup(sub.Unsubscribe)

	return logged
}

func sendHeartbeat(t *testing.T, conn *bus.Conn, workerID string, active bool) {
	t.Helper()
	var data, err = json.Marshal(protocol.Heartbeat{WorkerID: workerID, Active: active})
	require.NoError(t, err)
	require.NoError(t, conn.Publish(protocol.Resp(subHeartbeat), data))
}

func TestWorkerRegistrationIsBroadcast(t *testing.T) {
	var srv = bustest.NewServer(t)
	var conn = bustest.Dial(t, srv)
	var logged = startCoordinator(t, conn, 50*time.Millisecond, 2)

	sendHeartbeat(t, conn, "worker-a", true)

	require.Eventually(t, func() bool {
		var latest = logged.latest()
		return len(latest) == 1 && latest[0] == "worker-a"
	}, 5*time.Second, 10*time.Millisecond)

	sendHeartbeat(t, conn, "worker-b", true)
	require.Eventually(t, func() bool {
		return len(logged.latest()) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnresponsiveWorkerIsEvicted(t *testing.T) {
	var srv = bustest.NewServer(t)
	var conn = bustest.Dial(t, srv)

	// interval=100ms, missedLimit=2: eviction threshold is 700ms overall
	// (interval*(missedLimit+1) + 0.5s) from the worker's last reply.
	var logged = startCoordinator(t, conn, 100*time.Millisecond, 2)

	// The worker replies once and then hangs.
	sendHeartbeat(t, conn, "worker-b", true)
	require.Eventually(t, func() bool {
		return len(logged.latest()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	var deadline = time.Now().Add(
		100*time.Millisecond*3 + 500*time.Millisecond + 500*time.Millisecond)
	for {
		if len(logged.latest()) == 0 {
			return // evicted in time
		}
		if time.Now().After(deadline) {
			t.Fatal("worker was not evicted within the heartbeat bound")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShutdownHeartbeatRemovesWorker(t *testing.T) {
	var srv = bustest.NewServer(t)
	var conn = bustest.Dial(t, srv)
	var logged = startCoordinator(t, conn, 50*time.Millisecond, 20)

	sendHeartbeat(t, conn, "worker-c", true)
	require.Eventually(t, func() bool {
		return len(logged.latest()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	sendHeartbeat(t, conn, "worker-c", false)
	require.Eventually(t, func() bool {
		return len(logged.latest()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOnDemandSnapshotRequest(t *testing.T) {
	var srv = bustest.NewServer(t)
	var conn = bustest.Dial(t, srv)
	var logged = startCoordinator(t, conn, 50*time.Millisecond, 20)

	// A fresh cluster serves the empty snapshot.
	var reply, err = conn.Request(context.Background(), protocol.Listen(subWorkerList), nil)
	require.NoError(t, err)
	var ids protocol.WorkerIDs
	require.NoError(t, json.Unmarshal(reply, &ids))
	require.Empty(t, ids.WorkerIDs)

	sendHeartbeat(t, conn, "worker-d", true)
	require.Eventually(t, func() bool {
		return len(logged.latest()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	reply, err = conn.Request(context.Background(), protocol.Listen(subWorkerList), nil)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(reply, &ids))
	require.Equal(t, []string{"worker-d"}, ids.WorkerIDs)
}

func TestHeartbeatPollsAreIssued(t *testing.T) {
	var srv = bustest.NewServer(t)
	var conn = bustest.Dial(t, srv)

	var polls = make(chan struct{}, 16)
	var sub, err = conn.Subscribe(protocol.Req(subHeartbeat), func(bus.Msg) {
		polls <- struct{}{}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	startCoordinator(t, conn, 30*time.Millisecond, 2)

	for i := 0; i < 3; i++ {
		select {
		case <-polls:
		case <-time.After(5 * time.Second):
			t.Fatal("coordinator stopped polling")
		}
	}
}

func TestMalformedHeartbeatIsDropped(t *testing.T) {
	var srv = bustest.NewServer(t)
	var conn = bustest.Dial(t, srv)
	var logged = startCoordinator(t, conn, 50*time.Millisecond, 20)

	require.NoError(t, conn.Publish(protocol.Resp(subHeartbeat), []byte("not json")))
	sendHeartbeat(t, conn, "worker-e", true)

	// The bad message is skipped; the good one still lands.
	require.Eventually(t, func() bool {
		var latest = logged.latest()
		return len(latest) == 1 && latest[0] == "worker-e"
	}, 5*time.Second, 10*time.Millisecond)
}
