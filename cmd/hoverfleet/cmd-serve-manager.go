package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/hoverfleet/hoverfleet/bus"
	"github.com/hoverfleet/hoverfleet/manager"
	"github.com/hoverfleet/hoverfleet/resilience"
)

type cmdServeManager struct {
	Bus         busConfig             `group:"Bus" namespace:"bus"`
	Subjects    subjectConfig         `group:"Subjects" namespace:"subject"`
	Database    string                `long:"database-path" env:"DATABASE_PATH" default:"hoverfleet.db" description:"Path of the SQLite fleet store"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdServeManager) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

	log.WithField("database", cmd.Database).Info("starting manager")

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var store, err = manager.OpenStore(cmd.Database)
	if err != nil {
		return fmt.Errorf("opening fleet store: %w", err)
	}
	defer store.Close()

	conn, err := bus.Dial(ctx, cmd.Bus.URL)
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	var telemetry = manager.NewTelemetry(store, conn, cmd.Subjects.VehStatus, cmd.Subjects.VehCmd)
	var deltas = manager.NewDeltas(store, conn, cmd.Subjects.VehDeltas)

	var tasks = task.NewGroup(ctx)
	tasks.Queue("telemetry", func() error {
		resilience.Supervise(tasks.Context(), "telemetry", telemetry.Run)
		return nil
	})
	tasks.Queue("inventory-responder", func() error {
		resilience.Supervise(tasks.Context(), "inventory-responder", deltas.RunInventoryResponder)
		return nil
	})
	tasks.GoRun()

	if err = tasks.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("manager stopped")
	return nil
}
