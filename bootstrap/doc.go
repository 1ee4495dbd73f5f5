// Package bootstrap wires configuration, the classification engine, the
// output sinks and the HTTP surface into a running service.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx, configFile)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown()
//
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Wait for a shutdown signal or the end of input
//	app.WaitForShutdown()
package bootstrap
