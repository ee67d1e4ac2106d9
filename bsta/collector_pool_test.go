// Tests for collector_pool.go

package bsta

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eparparita/bst-telemetry-agent/internal/testutils"
	"github.com/pkg/errors"
)

type testSentBuffer struct {
	data    []byte
	timeout time.Duration
	gzipped bool
}

type testSender struct {
	sent []*testSentBuffer
	err  error
	// Signaled at every send:
	sentChan chan struct{}
	mu       *sync.Mutex
}

func newTestSender() *testSender {
	return &testSender{
		sentChan: make(chan struct{}, 64),
		mu:       &sync.Mutex{},
	}
}

func (sender *testSender) SendBuffer(b []byte, timeout time.Duration, gzipped bool) error {
	sender.mu.Lock()
	sender.sent = append(sender.sent, &testSentBuffer{bytes.Clone(b), timeout, gzipped})
	err := sender.err
	sender.mu.Unlock()
	sender.sentChan <- struct{}{}
	return err
}

// The reports, in the order they were sent:
func (sender *testSender) reports() ([]string, error) {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	reports := make([]string, 0)
	for _, sent := range sender.sent {
		data := sent.data
		if sent.gzipped {
			gzReader, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, err
			}
			if data, err = io.ReadAll(gzReader); err != nil {
				return nil, err
			}
		}
		reports = append(reports, strings.Split(string(data), "\n")...)
	}
	return reports, nil
}

type CollectorPoolTestCase struct {
	name            string
	reportSizes     []int
	batchTargetSize string
	compressMinSize string
	flushInterval   string
	sendErr         error
	wantSendCount   int
	wantGzipCount   int
	// Whether the reports should be sent before shutdown:
	waitFlush bool
}

func testReport(i, size int) string {
	prefix := fmt.Sprintf(`{"report":%d,"pad":"`, i)
	suffix := `"}`
	padLen := size - len(prefix) - len(suffix)
	if padLen < 0 {
		padLen = 0
	}
	return prefix + strings.Repeat("x", padLen) + suffix
}

func testCollectorPool(tc *CollectorPoolTestCase, t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, Log, nil)
	defer tlc.RestoreLog()

	pool, err := NewCollectorPool(&CollectorPoolConfig{
		NumSenders:        1,
		BufferPoolMaxSize: 4,
		ReportQueueSize:   len(tc.reportSizes) + 1,
		CompressionLevel:  gzip.BestSpeed,
		BatchTargetSize:   tc.batchTargetSize,
		CompressMinSize:   tc.compressMinSize,
		FlushInterval:     tc.flushInterval,
	})
	if err != nil {
		tlc.Fatal(err)
	}
	sender := newTestSender()
	sender.err = tc.sendErr
	pool.Start(sender)

	wantReports := make([]string, len(tc.reportSizes))
	wantByteCount := 0
	for i, size := range tc.reportSizes {
		wantReports[i] = testReport(i, size)
		wantByteCount += len(wantReports[i])
		if err := pool.QueueReport([]byte(wantReports[i])); err != nil {
			tlc.Fatal(err)
		}
	}
	if tc.waitFlush {
		select {
		case <-sender.sentChan:
		case <-time.After(TEST_AGENT_WAIT_TIMEOUT):
			tlc.Fatal("timeout waiting for flush")
		}
	}
	pool.Shutdown()

	errBuf := &bytes.Buffer{}
	gotReports, err := sender.reports()
	if err != nil {
		tlc.Fatal(err)
	}
	testutils.CompareSlices(wantReports, gotReports, "reports", errBuf)

	sendCount, gzipCount := 0, 0
	for _, sent := range sender.sent {
		sendCount++
		if sent.gzipped {
			gzipCount++
		}
		// The sender's default timeout applies:
		if sent.timeout > 0 {
			fmt.Fprintf(errBuf, "\ntimeout: want: <= 0, got: %s", sent.timeout)
		}
	}
	testutils.CompareValues(tc.wantSendCount, sendCount, "send count", errBuf)
	testutils.CompareValues(tc.wantGzipCount, gzipCount, "gzip count", errBuf)

	total := pool.SnapStats(nil).Total()
	testutils.CompareValues(uint64(len(tc.reportSizes)), total[COLLECTOR_STATS_REPORT_COUNT], "report_count stats", errBuf)
	// The separators are accounted for:
	testutils.CompareValues(
		uint64(wantByteCount+len(tc.reportSizes)-tc.wantSendCount), total[COLLECTOR_STATS_REPORT_BYTE_COUNT],
		"report_byte_count stats", errBuf,
	)
	testutils.CompareValues(uint64(tc.wantGzipCount), total[COLLECTOR_STATS_GZIP_COUNT], "gzip_count stats", errBuf)
	if tc.sendErr != nil {
		testutils.CompareValues(uint64(tc.wantSendCount), total[COLLECTOR_STATS_SEND_ERROR_COUNT], "send_error_count stats", errBuf)
		testutils.CompareValues(uint64(0), total[COLLECTOR_STATS_SEND_BYTE_COUNT], "send_byte_count stats", errBuf)
	} else {
		testutils.CompareValues(uint64(tc.wantSendCount), total[COLLECTOR_STATS_SEND_COUNT], "send_count stats", errBuf)
	}
	if tc.waitFlush {
		testutils.CompareValues(uint64(1), total[COLLECTOR_STATS_TIMEOUT_FLUSH_COUNT], "timeout_flush_count stats", errBuf)
	}
	if errBuf.Len() > 0 {
		tlc.Fatal(errBuf)
	}
}

func TestCollectorPool(t *testing.T) {
	for _, tc := range []*CollectorPoolTestCase{
		{
			name:            "one_batch_on_shutdown",
			reportSizes:     []int{100, 100, 100},
			batchTargetSize: "64k",
			compressMinSize: "0",
			flushInterval:   "1h",
			wantSendCount:   1,
		},
		{
			name:            "batch_by_size",
			reportSizes:     []int{60, 60, 60, 60, 60},
			batchTargetSize: "100",
			compressMinSize: "0",
			flushInterval:   "1h",
			// 60 + 1 + 60 >= 100, the last one is sent at shutdown:
			wantSendCount: 3,
		},
		{
			name:            "each_on_its_own",
			reportSizes:     []int{50, 50, 50},
			batchTargetSize: "0",
			compressMinSize: "0",
			flushInterval:   "1h",
			wantSendCount:   3,
		},
		{
			name:            "gzip",
			reportSizes:     []int{600, 600, 30},
			batchTargetSize: "1k",
			compressMinSize: "512",
			flushInterval:   "1h",
			// 600 + 1 + 600 >= 1k, gzipped; 30 alone, not:
			wantSendCount: 2,
			wantGzipCount: 1,
		},
		{
			name:            "flush_interval",
			reportSizes:     []int{40, 40},
			batchTargetSize: "64k",
			compressMinSize: "0",
			flushInterval:   "100ms",
			wantSendCount:   1,
			waitFlush:       true,
		},
		{
			name:            "send_error",
			reportSizes:     []int{40, 40},
			batchTargetSize: "0",
			compressMinSize: "0",
			flushInterval:   "1h",
			sendErr:         errors.New("collector down"),
			wantSendCount:   2,
		},
	} {
		t.Run(
			tc.name,
			func(t *testing.T) { testCollectorPool(tc, t) },
		)
	}
}

func TestCollectorPoolQueueFull(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, Log, nil)
	defer tlc.RestoreLog()

	cfg := DefaultCollectorPoolConfig()
	cfg.ReportQueueSize = 2
	pool, err := NewCollectorPool(cfg)
	if err != nil {
		tlc.Fatal(err)
	}

	// Not started, nothing is consumed:
	errBuf := &bytes.Buffer{}
	for i := 0; i < 2; i++ {
		if err = pool.QueueReport([]byte("report")); err != nil {
			fmt.Fprintf(errBuf, "\nQueueReport# %d: %v", i+1, err)
		}
	}
	if err = pool.QueueReport([]byte("report")); err != ErrCollectorQueueFull {
		fmt.Fprintf(errBuf, "\nQueueReport on full: want: %v, got: %v", ErrCollectorQueueFull, err)
	}
	if err = pool.QueueReport(nil); err != nil {
		fmt.Fprintf(errBuf, "\nQueueReport empty: want: nil, got: %v", err)
	}
	testutils.CompareValues(uint64(1), pool.SnapStats(nil).QueueFullCount, "QueueFullCount", errBuf)

	pool.Shutdown()
	if err = pool.QueueReport([]byte("report")); err != ErrCollectorStopped {
		fmt.Fprintf(errBuf, "\nQueueReport after shutdown: want: %v, got: %v", ErrCollectorStopped, err)
	}
	if errBuf.Len() > 0 {
		tlc.Fatal(errBuf)
	}
}

func TestCollectorPoolInvalidConfig(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, Log, nil)
	defer tlc.RestoreLog()

	for _, tc := range []struct {
		name   string
		update func(cfg *CollectorPoolConfig)
	}{
		{"compression_level", func(cfg *CollectorPoolConfig) { cfg.CompressionLevel = 42 }},
		{"batch_target_size", func(cfg *CollectorPoolConfig) { cfg.BatchTargetSize = "lots" }},
		{"compress_min_size", func(cfg *CollectorPoolConfig) { cfg.CompressMinSize = "some" }},
		{"flush_interval", func(cfg *CollectorPoolConfig) { cfg.FlushInterval = "often" }},
	} {
		t.Run(
			tc.name,
			func(t *testing.T) {
				cfg := DefaultCollectorPoolConfig()
				tc.update(cfg)
				if _, err := NewCollectorPool(cfg); err == nil {
					t.Fatal("want: error, got: nil")
				}
			},
		)
	}
}
