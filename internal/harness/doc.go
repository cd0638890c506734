// Package harness hands out connections to integration tests against a
// data-virtualization platform and prepares the platform for them.
//
// # Overview
//
// A Harness owns a data-source catalog, a connection cache and the
// metrics for one test process. Tests ask for connections by identifier:
//
//	h, err := harness.Open(ctx, "vdbtest.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Shutdown()
//
//	c, err := h.Connection(ctx, "teiid")
//
// The first successful build of an identifier's connection provisions the
// virtual database behind it: every physical model gets a connector
// binding, the bindings are assigned and started, and the harness waits
// for them to settle. Provisioning runs at most once per identifier. A
// provisioning failure is returned from Connection, the connection is
// released, and the next call builds and provisions again.
//
// # Strategies
//
// The plain path uses the strategy named by the descriptor (driver by
// default). The XA path uses the pooled strategy, since only pooled
// connections carry two-phase commit. A descriptor that explicitly names
// the driver strategy has no XA connections and XAConnection reports ok
// as false.
//
// # Skipped provisioning
//
// Provisioning is skipped when the configuration disables it and when a
// data source has no admin endpoint (no admin.url property). Both paths
// still hand out connections.
//
// # Proxying
//
// A descriptor with use_proxy set shares one connection per strategy and
// hands it out behind a proxy whose Close is a no-op. Shutdown releases
// the shared connection. Without use_proxy every Connection call after the
// first draws a new connection from the cached strategy, so a test may
// close what it receives.
package harness
