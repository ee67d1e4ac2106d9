// BST telemetry agent main

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eparparita/bst-telemetry-agent/asic"
	"github.com/eparparita/bst-telemetry-agent/bsta"
)

const (
	SHUTDOWN_TIMEOUT = 5 * time.Second
)

var mainLog = bsta.NewCompLogger("main")

var useStdoutCollector = flag.Bool(
	"use-stdout-collector",
	false,
	"Print async reports to stdout instead of sending them to collector endpoints",
)

func newDriver(cfg *bsta.BstaConfig) (asic.Driver, error) {
	if cfg.Driver == bsta.DRIVER_QDISC {
		return asic.NewQdiscDriver(cfg.QdiscDriverConfig, bsta.NewCompLogger("qdisc_driver"))
	}
	return asic.NewSimDriver(cfg.SimDriverConfig), nil
}

func main() {
	var err error

	// Setup things in the proper order:

	// Parse args:
	flag.Parse()

	// Config:
	bsta.GlobalBstaConfig, err = bsta.LoadBstaConfigFromArgs()
	if err != nil {
		mainLog.Fatal(err)
	}
	cfg := bsta.GlobalBstaConfig

	// Logger:
	err = bsta.SetLogger(cfg)
	if err != nil {
		mainLog.Fatal(err)
	}

	// Hardware:
	driver, err := newDriver(cfg)
	if err != nil {
		mainLog.Fatal(err)
	}
	mainLog.Infof("driver=%s", cfg.Driver)
	defer driver.Close()

	// Async report destination:
	if !*useStdoutCollector {
		bsta.GlobalHttpEndpointPool, err = bsta.NewHttpEndpointPool(cfg)
		if err != nil {
			mainLog.Fatal(err)
		}
		bsta.GlobalCollectorPool, err = bsta.NewCollectorPool(cfg)
		if err != nil {
			mainLog.Fatal(err)
		}
		bsta.GlobalReportSink = bsta.GlobalCollectorPool
		bsta.GlobalCollectorPool.Start(bsta.GlobalHttpEndpointPool)
		// N.B. stop the HTTP pool *before* the collector pool, otherwise the
		// latter may be stuck in send:
		defer bsta.GlobalCollectorPool.Shutdown()
		defer bsta.GlobalHttpEndpointPool.Shutdown()
	} else {
		stdoutCollector, err := bsta.NewStdoutCollector(cfg, os.Stdout)
		if err != nil {
			mainLog.Fatal(err)
		}
		bsta.GlobalReportSink = stdoutCollector
		defer stdoutCollector.Shutdown()
	}

	encoder := bsta.NewJsonEncoder()
	router := bsta.NewReplyRouter(bsta.GlobalReportSink, encoder)

	// Scheduler, used for periodic reports:
	bsta.GlobalScheduler, err = bsta.NewScheduler(cfg)
	if err != nil {
		mainLog.Fatal(err)
	}
	bsta.GlobalScheduler.Start()
	defer bsta.GlobalScheduler.Shutdown()

	// The agent:
	bsta.GlobalAgent, err = bsta.NewAgent(cfg, &bsta.AgentDeps{
		Driver:    driver,
		Encoder:   encoder,
		Transport: router,
		Timers:    bsta.NewPeriodicTimers(bsta.GlobalScheduler),
	})
	if err != nil {
		mainLog.Fatal(err)
	}
	if err = bsta.GlobalAgent.Initialize(); err != nil {
		mainLog.Fatal(err)
	}
	defer bsta.GlobalAgent.Teardown()

	// REST front end:
	bsta.GlobalRestServer, err = bsta.NewRestServer(cfg, bsta.GlobalAgent, router, &bsta.RestStatsSources{
		CollectorPool:    bsta.GlobalCollectorPool,
		HttpEndpointPool: bsta.GlobalHttpEndpointPool,
		Scheduler:        bsta.GlobalScheduler,
	})
	if err != nil {
		mainLog.Fatal(err)
	}
	if err = bsta.GlobalRestServer.Start(); err != nil {
		mainLog.Fatal(err)
	}
	defer bsta.GlobalRestServer.Shutdown()

	// Block until a signal is received or the worker gave up:
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		mainLog.Warnf("Received %s signal, exiting", sig)
	case <-bsta.GlobalAgent.Worker().Done():
		mainLog.Errorf("worker stopped: %v", bsta.GlobalAgent.Worker().Err())
	}

	// Set a timeout watchdog, just in case:
	go func() {
		timer := time.NewTimer(SHUTDOWN_TIMEOUT)
		<-timer.C
		mainLog.Fatalf("shutdown timed out after %s", SHUTDOWN_TIMEOUT)
	}()
}
