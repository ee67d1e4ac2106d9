// Tests for config.go and cmdline_utils.go

package bsta

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/eparparita/bst-telemetry-agent/internal/testutils"
)

const testBstaConfigYaml = `
driver: sim
sim_driver_config:
  num_units: 3
  capabilities:
    num_ports: 8
    cell_size: 208
agent_config:
  unit_config:
    send_async_reports: true
    collection_interval: 15s
    untracked_realms:
      - egress-rqe-queue
  worker_config:
    max_receive_failures: 5
collector_pool_config:
  batch_target_size: 16k
http_endpoint_pool_config:
  endpoints:
    - url: http://collector:9090/broadview
      mark_unhealthy_threshold: 2
rest_server_config:
  address: 127.0.0.1:8088
log_config:
  level: debug
`

func writeTestConfigFile(t *testing.T, content string) string {
	cfgFile := filepath.Join(t.TempDir(), "bsta-config.yaml")
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfgFile
}

func TestLoadBstaConfig(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, Log, nil)
	defer tlc.RestoreLog()

	cfg, err := LoadBstaConfig(writeTestConfigFile(t, testBstaConfigYaml))
	if err != nil {
		tlc.Fatal(err)
	}

	errBuf := &bytes.Buffer{}
	testutils.CompareValues(DRIVER_SIM, cfg.Driver, "Driver", errBuf)
	testutils.CompareValues(3, cfg.SimDriverConfig.NumUnits, "SimDriverConfig.NumUnits", errBuf)
	testutils.CompareValues(8, cfg.SimDriverConfig.Capabilities.NumPorts, "Capabilities.NumPorts", errBuf)
	testutils.CompareValues(208, cfg.SimDriverConfig.Capabilities.CellSize, "Capabilities.CellSize", errBuf)
	unitCfg := cfg.AgentConfig.UnitConfig
	testutils.CompareValues(true, unitCfg.SendAsyncReports, "UnitConfig.SendAsyncReports", errBuf)
	testutils.CompareValues("15s", unitCfg.CollectionInterval, "UnitConfig.CollectionInterval", errBuf)
	testutils.CompareSlices([]string{"egress-rqe-queue"}, unitCfg.UntrackedRealms, "UnitConfig.UntrackedRealms", errBuf)
	// Not in the file, defaults apply:
	testutils.CompareValues(UNIT_CONFIG_BST_ENABLE_DEFAULT, unitCfg.BstEnable, "UnitConfig.BstEnable", errBuf)
	testutils.CompareValues(
		UNIT_CONFIG_TRIGGER_RATE_LIMIT_INTERVAL_DEFAULT, unitCfg.TriggerRateLimitInterval,
		"UnitConfig.TriggerRateLimitInterval", errBuf,
	)
	testutils.CompareValues(5, cfg.AgentConfig.WorkerConfig.MaxReceiveFailures, "WorkerConfig.MaxReceiveFailures", errBuf)
	testutils.CompareValues("16k", cfg.CollectorPoolConfig.BatchTargetSize, "CollectorPoolConfig.BatchTargetSize", errBuf)
	testutils.CompareValues(
		COLLECTOR_POOL_FLUSH_INTERVAL_DEFAULT, cfg.CollectorPoolConfig.FlushInterval,
		"CollectorPoolConfig.FlushInterval", errBuf,
	)
	if len(cfg.HttpEndpointPoolConfig.Endpoints) != 1 {
		fmt.Fprintf(errBuf, "\nlen(Endpoints): want: 1, got: %d", len(cfg.HttpEndpointPoolConfig.Endpoints))
	} else {
		ep := cfg.HttpEndpointPoolConfig.Endpoints[0]
		testutils.CompareValues("http://collector:9090/broadview", ep.URL, "Endpoints[0].URL", errBuf)
		testutils.CompareValues(2, ep.MarkUnhealthyThreshold, "Endpoints[0].MarkUnhealthyThreshold", errBuf)
	}
	testutils.CompareValues("127.0.0.1:8088", cfg.RestServerConfig.Address, "RestServerConfig.Address", errBuf)
	testutils.CompareValues("debug", cfg.LoggerConfig.Level, "LoggerConfig.Level", errBuf)

	feature, track, err := unitCfg.Settings()
	if err != nil {
		fmt.Fprintf(errBuf, "\nSettings: %v", err)
	} else {
		testutils.CompareValues(int64(15), int64(feature.CollectionInterval.Seconds()), "feature.CollectionInterval", errBuf)
		realm, _ := RealmByName("egress-rqe-queue")
		testutils.CompareValues(false, track.Realms[realm], "track egress-rqe-queue", errBuf)
		realm, _ = RealmByName("device")
		testutils.CompareValues(true, track.Realms[realm], "track device", errBuf)
	}

	if errBuf.Len() > 0 {
		tlc.Fatal(errBuf)
	}
}

func TestLoadBstaConfigErrors(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, Log, nil)
	defer tlc.RestoreLog()

	for _, tc := range []struct {
		name    string
		content string
		wantErr error
	}{
		{"invalid_driver", "driver: bcm\n", ErrConfigInvalidDriver},
		{"invalid_interval", "agent_config:\n  unit_config:\n    collection_interval: often\n", nil},
		{"invalid_yaml", "driver: [sim\n", nil},
	} {
		t.Run(
			tc.name,
			func(t *testing.T) {
				_, err := LoadBstaConfig(writeTestConfigFile(t, tc.content))
				if err == nil {
					t.Fatal("want: error, got: nil")
				}
				if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
					t.Fatalf("want: %v, got: %v", tc.wantErr, err)
				}
			},
		)
	}

	if _, err := LoadBstaConfig(filepath.Join(t.TempDir(), "no-such-file.yaml")); err == nil {
		tlc.Fatal("missing file: want: error, got: nil")
	}
}

func TestFlagCheckUsed(t *testing.T) {
	errBuf := &bytes.Buffer{}

	boolFlag := &FlagCheckUsed[bool]{parse: parseBoolFlag}
	dstBool := false
	boolFlag.Override(&dstBool)
	testutils.CompareValues(false, dstBool, "unused bool flag", errBuf)
	if err := boolFlag.set(""); err != nil {
		fmt.Fprintf(errBuf, "\nbool flag set: %v", err)
	}
	boolFlag.Override(&dstBool)
	testutils.CompareValues(true, dstBool, "used bool flag", errBuf)

	durationFlag := &FlagCheckUsed[string]{Value: "60s", parse: parseDurationFlag}
	if err := durationFlag.set("soon"); err == nil {
		fmt.Fprintf(errBuf, "\nduration flag set %q: want: error, got: nil", "soon")
	}
	testutils.CompareValues(false, durationFlag.Used, "duration flag Used after invalid set", errBuf)
	dstDuration := "5s"
	if err := durationFlag.set("250ms"); err != nil {
		fmt.Fprintf(errBuf, "\nduration flag set: %v", err)
	}
	durationFlag.Override(&dstDuration)
	testutils.CompareValues("250ms", dstDuration, "used duration flag", errBuf)

	intFlag := &FlagCheckUsed[int]{Value: 1, parse: parseIntFlag}
	dstInt := 4
	if err := intFlag.set("x"); err == nil {
		fmt.Fprintf(errBuf, "\nint flag set %q: want: error, got: nil", "x")
	}
	intFlag.Override(&dstInt)
	testutils.CompareValues(4, dstInt, "unused int flag", errBuf)

	if errBuf.Len() > 0 {
		t.Fatal(errBuf)
	}
}

func TestFormatFlagUsageWidth(t *testing.T) {
	for _, tc := range []struct {
		usage string
		width int
		want  string
	}{
		{"one two three", 80, "one two three"},
		{"  one\n  two three  ", 7, "one two\nthree"},
		{"alpha beta gamma", 5, "alpha\nbeta\ngamma"},
		{"", 10, ""},
	} {
		if got := FormatFlagUsageWidth(tc.usage, tc.width); got != tc.want {
			t.Errorf("FormatFlagUsageWidth(%q, %d): want: %q, got: %q", tc.usage, tc.width, tc.want, got)
		}
	}
}
