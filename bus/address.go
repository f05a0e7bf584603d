package bus

// Well-known addresses. Per-unit addresses embed the unit id.
const (
	// LeaderHelo is subscribed only by the node currently holding the
	// leader role.
	LeaderHelo = "apis.GridMaster.helo"
	// ErrorReports carries fault records to every node.
	ErrorReports = "apis.error"
	// ResetLocal resets this node's locks and interlocks.
	ResetLocal = "apis.reset.local"
	// ResetAll resets every node.
	ResetAll = "apis.reset.all"
	// ShutdownLocal stops this node.
	ShutdownLocal = "apis.shutdown.local"
	// ShutdownAll stops every node.
	ShutdownAll = "apis.shutdown.all"
	// LeaderInterlock guards this node's assertions of the leader role.
	LeaderInterlock = "apis.Mediator.interlock.gridMaster"
	// Version answers with the responder's build version.
	Version = "apis.version"
	// DealLog receives deals leaving a node's working set.
	DealLog = "apis.Mediator.deal.log"
	// LogLevel sets the log level of every node. An empty body restores
	// the configured level.
	LogLevel = "apis.multicastLogHandlerLevel"
)

// Header names used by the interlock protocol.
const (
	HeaderCommand = "command"
	HeaderHolder  = "holder"
	HeaderToken   = "token"
)

// UnitHelo is the identity probe address of unit.
func UnitHelo(unit string) string {
	return "apis." + unit + ".helo"
}

// UnitShutdown stops the node representing unit.
func UnitShutdown(unit string) string {
	return "apis." + unit + ".shutdown"
}

// DealInterlock is the deal interlock served by the node of unit.
func DealInterlock(unit string) string {
	return "apis." + unit + ".Mediator.interlock.deal"
}
