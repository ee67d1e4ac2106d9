// Print an on-demand BST report built from the local qdisc backlog.

package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/eparparita/bst-telemetry-agent/asic"
	"github.com/eparparita/bst-telemetry-agent/bsta"
	"github.com/eparparita/bst-telemetry-agent/internal/utils"
)

var cellSize = flag.Int("cell-size", asic.QDISC_DRIVER_CONFIG_CELL_SIZE_DEFAULT, "Bytes per cell")
var inCells = flag.Bool("cells", false, "Report in cells instead of bytes")

func main() {
	flag.Parse()

	fmt.Fprintf(os.Stderr, "QdiscAvail: %v\n", utils.QdiscAvail)

	cfg := asic.DefaultQdiscDriverConfig()
	cfg.CellSize = *cellSize
	cfg.PollInterval = "0"
	driver, err := asic.NewQdiscDriver(cfg, bsta.NewCompLogger("qdisc_driver"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "NewQdiscDriver: %v\n", err)
		os.Exit(1)
	}
	defer driver.Close()

	caps, err := driver.Capabilities(0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Capabilities: %v\n", err)
		os.Exit(1)
	}
	snap := bsta.NewSnapshot(caps)
	start := time.Now()
	err = driver.ReadCounters(0, asic.AllRealms(), snap.Sample)
	callDuration := time.Since(start)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ReadCounters: %v\n", err)
		os.Exit(1)
	}
	snap.Timestamp = time.Now()
	fmt.Fprintf(os.Stderr, "Read duration: %s, ports: %d\n", callDuration, caps.NumPorts)

	resp := &bsta.Response{
		Unit:         0,
		Command:      bsta.COMMAND_GET_REPORT,
		ReportKind:   bsta.REPORT_KIND_ON_DEMAND,
		AsicId:       bsta.AsicIdForUnit(0),
		Capabilities: caps,
		Options: bsta.Options{
			StatUnitsInCells: *inCells,
			Include:          *asic.AllRealms(),
		},
		Report: &bsta.Report{Active: snap},
	}
	buf := &bytes.Buffer{}
	if err = bsta.NewJsonEncoder().Encode(resp, buf); err != nil {
		fmt.Fprintf(os.Stderr, "Encode: %v\n", err)
		os.Exit(1)
	}
	buf.WriteByte('\n')
	os.Stdout.Write(buf.Bytes())
}
