package main

import (
	"github.com/jessevdk/go-flags"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "hoverfleet.ini"

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	serve, err := parser.Command.AddCommand("serve", "Serve a component of the fleet", "", &struct{}{})
	mbp.Must(err, "failed to add command")

	addCmd(serve, "coordinator", "Serve the cluster coordinator", `
Serve the cluster coordinator: poll workers with heartbeat requests, evict
those that stop replying, and publish the authoritative worker list.
`, &cmdServeCoordinator{})

	addCmd(serve, "worker", "Serve a vehicle worker", `
Serve one vehicle-controller worker: answer coordinator heartbeats, follow
membership broadcasts, and run a simulator task for every vehicle the
consistent-hash ring assigns to this instance.
`, &cmdServeWorker{})

	addCmd(serve, "manager", "Serve the vehicle manager", `
Serve the vehicle manager: consume per-vehicle telemetry into the fleet
store, evaluate geofence crossings, and answer inventory requests from
workers.
`, &cmdServeManager{})

	mbp.AddPrintConfigCmd(parser, iniFilename)

	mbp.MustParseConfig(parser, iniFilename)
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	mbp.Must(err, "failed to add flags parser command")
	return cmd
}
