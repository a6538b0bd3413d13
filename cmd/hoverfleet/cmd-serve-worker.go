package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/hoverfleet/hoverfleet/asyncval"
	"github.com/hoverfleet/hoverfleet/bus"
	"github.com/hoverfleet/hoverfleet/resilience"
	"github.com/hoverfleet/hoverfleet/worker"
)

type cmdServeWorker struct {
	Bus         busConfig             `group:"Bus" namespace:"bus"`
	Subjects    subjectConfig         `group:"Subjects" namespace:"subject"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdServeWorker) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

	// Worker identity is ephemeral: a fresh id per process keeps a restarted
	// worker from inheriting the ring position of its dead predecessor.
	var workerID = uuid.NewString()
	log.WithField("worker", workerID).Info("starting worker")

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var conn, err = bus.Dial(ctx, cmd.Bus.URL)
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	var members = asyncval.New([]string{})
	var dispatcher = worker.NewDispatcher(conn, workerID, members,
		cmd.Subjects.VehDeltas, cmd.Subjects.VehCmd, cmd.Subjects.VehStatus,
		worker.DefaultStatusInterval)

	var tasks = task.NewGroup(ctx)
	tasks.Queue("heartbeat", func() error {
		resilience.Supervise(tasks.Context(), "heartbeat", func(c context.Context) error {
			return worker.RunHeartbeat(c, conn, workerID, cmd.Subjects.Heartbeat)
		})
		return nil
	})
	tasks.Queue("membership", func() error {
		resilience.Supervise(tasks.Context(), "membership", func(c context.Context) error {
			return worker.RunMembershipListener(c, conn, cmd.Subjects.WorkerList, members)
		})
		return nil
	})
	tasks.Queue("dispatcher", func() error {
		resilience.Supervise(tasks.Context(), "dispatcher", dispatcher.Run)
		return nil
	})
	tasks.GoRun()

	if err = tasks.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.WithField("worker", workerID).Info("worker stopped")
	return nil
}
