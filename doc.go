// Package dealgrid is the coordination substrate for a cluster of energy
// storage units that trade energy over a shared DC grid. A Node bundles the
// services one unit runs: local and cross-process locks, the helo identity
// check, the deal and leader interlocks, fault collection and the reset and
// shutdown services, all speaking over a bus.Bus.
//
// # Running a node
//
// Nodes talk HTTP to each other by default. Each node listens on
// `Config.Listen` and knows its peers by base URL:
//
//	cfg := dealgrid.Config{
//	    UnitID: "E001",
//	    Leader: true,
//	    Listen: ":9451",
//	    Peers:  []string{"http://10.0.0.2:9451", "http://10.0.0.3:9451"},
//	}
//	node, err := dealgrid.NewNode(cfg, dealgrid.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	if err := node.Start(ctx); err != nil { log.Fatal(err) }
//	defer node.Shutdown(context.Background())
//	<-node.Done()
//	log.Printf("halted: %s", node.HaltReason())
//
// Start runs a fixed pipeline: telemetry, bus listener, cluster version check,
// control services, fault collector, interlock service, helo, leadership (when
// `Config.Leader` is set), the deal disposal loop and the restart keepalive.
// Shutdown stops the started steps in reverse. A node refuses to start when a
// running peer reports a different build, unless `Config.SkipVersionCheck` is
// set.
//
// # Deals
//
// Negotiation happens elsewhere; the node only keeps the deals it drives in
// `Node.Deals()`. Every mutation goes through the deal interlock so that at
// most one node changes a deal at a time:
//
//	err := node.Deals().Update(ctx, dealID, func(d *deal.Deal) error {
//	    return d.Activate(time.Now())
//	})
//
// Terminal deals leave the working set periodically. Saveworthy ones are
// published on `apis.Mediator.deal.log` (or only logged with
// `Config.DealSink = "log"`).
//
// # Faults, resets and halts
//
// Components report problems with `Node.Faults().Report`. ERROR records about
// a unit put a stop request on its deals; FATAL records abort them. A FATAL
// LOCAL record halts the reporting node; the leader turns a FATAL GLOBAL
// record into a cluster-wide shutdown. A duplicate unit id or a second leader
// detected by helo halts the detecting node.
//
// `apis.reset.local` and `apis.reset.all` drop every interlock and lock and
// fail whatever waits on them. `apis.shutdown.local`, `apis.shutdown.all` and
// `apis.<unit>.shutdown` reply "ok" and halt. Halting closes `Node.Done()`;
// the owner decides when to call Shutdown.
package dealgrid
