package protocol

// Subject suffix conventions, shared by all components:
//
//	<base>.req / <base>.resp  heartbeat poll and worker replies.
//	<base>.b / <base>.l       broadcast and on-demand ("listen") request.
//	<prefix>.<vehicle_id>     per-vehicle command and status subjects.

// Req returns the outbound-poll subject under base.
func Req(base string) string { return base + ".req" }

// Resp returns the inbound-reply subject under base.
func Resp(base string) string { return base + ".resp" }

// Broadcast returns the broadcast subject under base.
func Broadcast(base string) string { return base + ".b" }

// Listen returns the on-demand request subject under base.
func Listen(base string) string { return base + ".l" }

// Vehicle returns the per-vehicle subject under prefix.
func Vehicle(prefix, vehicleID string) string { return prefix + "." + vehicleID }

// VehicleWildcard returns the subscription pattern matching every
// per-vehicle subject under prefix.
func VehicleWildcard(prefix string) string { return prefix + ".*" }
