package main

// busConfig locates the message bus shared by every component.
type busConfig struct {
	URL string `long:"nats-url" env:"NATS_URL" default:"nats://localhost:4222" description:"Address of the NATS message bus"`
}

// subjectConfig names the base subjects of the cluster protocol. Every
// component of one deployment must agree on these.
type subjectConfig struct {
	Heartbeat  string `long:"sub-heartbeat" env:"SUB_HEARTBEAT" default:"HB" description:"Base subject of heartbeat polls and replies"`
	WorkerList string `long:"sub-worker-list" env:"SUB_WORKER_LIST" default:"WL" description:"Base subject of membership broadcasts and on-demand requests"`
	VehDeltas  string `long:"sub-veh-deltas" env:"SUB_VEH_DELTAS" default:"VD" description:"Base subject of vehicle inventory deltas"`
	VehCmd     string `long:"sub-veh-cmd" env:"SUB_VEH_CMD" default:"VC.cmd" description:"Subject prefix of per-vehicle commands"`
	VehStatus  string `long:"sub-veh-status" env:"SUB_VEH_STATUS" default:"VC.status" description:"Subject prefix of per-vehicle status"`
}
