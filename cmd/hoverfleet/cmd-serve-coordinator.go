package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/hoverfleet/hoverfleet/asyncval"
	"github.com/hoverfleet/hoverfleet/bus"
	"github.com/hoverfleet/hoverfleet/coordinator"
	"github.com/hoverfleet/hoverfleet/resilience"
)

type cmdServeCoordinator struct {
	Bus         busConfig             `group:"Bus" namespace:"bus"`
	Subjects    subjectConfig         `group:"Subjects" namespace:"subject"`
	Interval    float64               `long:"heartbeat-interval" env:"HEARTBEAT_INTERVAL" default:"5" description:"Heartbeat polling period, in seconds"`
	MissedLimit int                   `long:"heartbeat-missed-limit" env:"HEARTBEAT_MISSED_LIMIT" default:"2" description:"Consecutive missed heartbeats tolerated before eviction"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdServeCoordinator) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

	log.WithFields(log.Fields{
		"interval":    cmd.Interval,
		"missedLimit": cmd.MissedLimit,
	}).Info("starting coordinator")

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var conn, err = bus.Dial(ctx, cmd.Bus.URL)
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	var interval = time.Duration(cmd.Interval * float64(time.Second))
	var members = asyncval.New([]string{})
	var coord = coordinator.New(conn, cmd.Subjects.Heartbeat, interval, cmd.MissedLimit, members)
	var responder = coordinator.NewResponder(conn, members, cmd.Subjects.WorkerList)

	var tasks = task.NewGroup(ctx)
	tasks.Queue("coordinator", func() error {
		resilience.Supervise(tasks.Context(), "coordinator", coord.Run)
		return nil
	})
	tasks.Queue("responder", func() error {
		resilience.Supervise(tasks.Context(), "responder", responder.Run)
		return nil
	})
	tasks.GoRun()

	if err = tasks.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("coordinator stopped")
	return nil
}
