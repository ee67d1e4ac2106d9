// Collector pool for delivering async (periodic and trigger) reports:

package bsta

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"

	"github.com/eparparita/bst-telemetry-agent/internal/utils"
)

// The collector pool consists of the following:
//  - a report queue into which the reply router writes encoded reports
//  - N senders that read from the queue and batch the reports, newline
//    separated, until either the batch reaches a target size or a flush
//    interval lapses. At that point the batch, gzip compressed if larger than
//    compress_min_size, is handed over to the Sender (the collector endpoints).
//
// Reports are never retried at this level, the Sender may do it.

var collectorLog = NewCompLogger("collector")

const (
	COLLECTOR_POOL_COMPRESSION_LEVEL_DEFAULT    = gzip.DefaultCompression
	COLLECTOR_POOL_NUM_SENDERS_DEFAULT          = -1
	COLLECTOR_POOL_NUM_SENDERS_MAX              = 4
	COLLECTOR_POOL_BUFFER_POOL_MAX_SIZE_DEFAULT = 32
	COLLECTOR_POOL_REPORT_QUEUE_SIZE_DEFAULT    = 128
	COLLECTOR_POOL_BATCH_TARGET_SIZE_DEFAULT    = "64k"
	COLLECTOR_POOL_COMPRESS_MIN_SIZE_DEFAULT    = "1k"
	COLLECTOR_POOL_FLUSH_INTERVAL_DEFAULT       = "1s"
)

const (
	COLLECTOR_POOL_STATE_CREATED = iota
	COLLECTOR_POOL_STATE_RUNNING
	COLLECTOR_POOL_STATE_STOPPED
)

var collectorStateMap = map[int]string{
	COLLECTOR_POOL_STATE_CREATED: "Created",
	COLLECTOR_POOL_STATE_RUNNING: "Running",
	COLLECTOR_POOL_STATE_STOPPED: "Stopped",
}

// Per sender stats:
const (
	COLLECTOR_STATS_REPORT_COUNT = iota
	COLLECTOR_STATS_REPORT_BYTE_COUNT
	COLLECTOR_STATS_SEND_COUNT
	COLLECTOR_STATS_SEND_BYTE_COUNT
	COLLECTOR_STATS_GZIP_COUNT
	COLLECTOR_STATS_TIMEOUT_FLUSH_COUNT
	COLLECTOR_STATS_SEND_ERROR_COUNT
	COLLECTOR_STATS_WRITE_ERROR_COUNT
	// Must be last:
	COLLECTOR_STATS_UINT64_LEN
)

var CollectorStatsNameMap = map[int]string{
	COLLECTOR_STATS_REPORT_COUNT:        "report_count",
	COLLECTOR_STATS_REPORT_BYTE_COUNT:   "report_byte_count",
	COLLECTOR_STATS_SEND_COUNT:          "send_count",
	COLLECTOR_STATS_SEND_BYTE_COUNT:     "send_byte_count",
	COLLECTOR_STATS_GZIP_COUNT:          "gzip_count",
	COLLECTOR_STATS_TIMEOUT_FLUSH_COUNT: "timeout_flush_count",
	COLLECTOR_STATS_SEND_ERROR_COUNT:    "send_error_count",
	COLLECTOR_STATS_WRITE_ERROR_COUNT:   "write_error_count",
}

var (
	ErrCollectorQueueFull = errors.New("collector queue full")
	ErrCollectorStopped   = errors.New("collector pool stopped")
)

// The destination of the batches:
type Sender interface {
	SendBuffer(b []byte, timeout time.Duration, gzipped bool) error
}

type CollectorStats []uint64

type CollectorPoolStats struct {
	// Per sender, plus the queue full count:
	Stats          []CollectorStats
	QueueFullCount uint64
	// Lock:
	mu *sync.Mutex
}

func NewCollectorPoolStatsNoLock(numSenders int) *CollectorPoolStats {
	poolStats := &CollectorPoolStats{
		Stats: make([]CollectorStats, numSenders),
	}
	for i := 0; i < numSenders; i++ {
		poolStats.Stats[i] = make(CollectorStats, COLLECTOR_STATS_UINT64_LEN)
	}
	return poolStats
}

func NewCollectorPoolStats(numSenders int) *CollectorPoolStats {
	poolStats := NewCollectorPoolStatsNoLock(numSenders)
	poolStats.mu = &sync.Mutex{}
	return poolStats
}

func (poolStats *CollectorPoolStats) Snap(snapStats *CollectorPoolStats) *CollectorPoolStats {
	if snapStats == nil {
		snapStats = NewCollectorPoolStatsNoLock(len(poolStats.Stats))
	}

	poolStats.mu.Lock()
	defer poolStats.mu.Unlock()

	for senderIndx, stats := range poolStats.Stats {
		copy(snapStats.Stats[senderIndx], stats)
	}
	snapStats.QueueFullCount = poolStats.QueueFullCount
	return snapStats
}

// Aggregated over all senders:
func (poolStats *CollectorPoolStats) Total() CollectorStats {
	total := make(CollectorStats, COLLECTOR_STATS_UINT64_LEN)
	for _, stats := range poolStats.Stats {
		for i, v := range stats {
			total[i] += v
		}
	}
	return total
}

type CollectorPool struct {
	// The number of senders:
	numSenders int
	// The buffer pool for queued reports:
	bufPool *utils.BufPool
	// The report queue:
	reportQueue chan *bytes.Buffer
	// Guards against queueing after close:
	queueMu *sync.RWMutex
	closed  bool
	// The compression level:
	compressionLevel int
	// Batch target size; when the batch becomes greater than the latter, it is
	// sent out:
	batchTargetSize int
	// Batches smaller than this are sent uncompressed:
	compressMinSize int
	// How long to wait before sending out a partially filled batch. A timer is
	// set with the value below when the batch starts and if it fires before
	// the target size is reached then the batch is sent out.
	flushInterval time.Duration
	// State:
	state   int
	stateMu *sync.Mutex
	// Stats:
	poolStats *CollectorPoolStats
	// Wait group to sync on exit:
	wg *sync.WaitGroup
}

type CollectorPoolConfig struct {
	// The number of senders. If set to -1 it will match the number of
	// available cores but not more than COLLECTOR_POOL_NUM_SENDERS_MAX:
	NumSenders int `yaml:"num_senders"`
	// Buffer pool size, it controls only how many idle buffers are being kept
	// around.
	BufferPoolMaxSize int `yaml:"buffer_pool_max_size"`
	// Report queue size; reports are dropped when the queue is full:
	ReportQueueSize int `yaml:"report_queue_size"`
	// Compression level: 0..9:
	CompressionLevel int `yaml:"compression_level"`
	// Batch target size. The value can have the usual `k` or `m` suffixes for
	// KiB or MiB accordingly. Use 0 to send each report on its own.
	BatchTargetSize string `yaml:"batch_target_size"`
	// Batches below this size are not compressed:
	CompressMinSize string `yaml:"compress_min_size"`
	// Flush interval. If batch_target_size is not reached before this interval
	// expires, the reports batched thus far are being sent anyway. The value
	// should be compatible with time.ParseDuration().
	FlushInterval string `yaml:"flush_interval"`
}

func DefaultCollectorPoolConfig() *CollectorPoolConfig {
	return &CollectorPoolConfig{
		NumSenders:        COLLECTOR_POOL_NUM_SENDERS_DEFAULT,
		BufferPoolMaxSize: COLLECTOR_POOL_BUFFER_POOL_MAX_SIZE_DEFAULT,
		ReportQueueSize:   COLLECTOR_POOL_REPORT_QUEUE_SIZE_DEFAULT,
		CompressionLevel:  COLLECTOR_POOL_COMPRESSION_LEVEL_DEFAULT,
		BatchTargetSize:   COLLECTOR_POOL_BATCH_TARGET_SIZE_DEFAULT,
		CompressMinSize:   COLLECTOR_POOL_COMPRESS_MIN_SIZE_DEFAULT,
		FlushInterval:     COLLECTOR_POOL_FLUSH_INTERVAL_DEFAULT,
	}
}

func NewCollectorPool(cfg any) (*CollectorPool, error) {
	var poolCfg *CollectorPoolConfig

	switch cfg := cfg.(type) {
	case *BstaConfig:
		poolCfg = cfg.CollectorPoolConfig
	case *CollectorPoolConfig:
		poolCfg = cfg
	case nil:
		poolCfg = DefaultCollectorPoolConfig()
	default:
		return nil, fmt.Errorf("NewCollectorPool: %T invalid config type", cfg)
	}

	// Create a dummy compressor to verify the compression level:
	_, err := gzip.NewWriterLevel(nil, poolCfg.CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("NewCollectorPool: %v", err)
	}

	batchTargetSize, err := units.RAMInBytes(poolCfg.BatchTargetSize)
	if err != nil {
		return nil, fmt.Errorf(
			"NewCollectorPool: invalid batch_target_size %q: %v",
			poolCfg.BatchTargetSize, err,
		)
	}

	compressMinSize, err := units.RAMInBytes(poolCfg.CompressMinSize)
	if err != nil {
		return nil, fmt.Errorf(
			"NewCollectorPool: invalid compress_min_size %q: %v",
			poolCfg.CompressMinSize, err,
		)
	}

	flushInterval, err := time.ParseDuration(poolCfg.FlushInterval)
	if err != nil {
		return nil, fmt.Errorf(
			"NewCollectorPool: invalid flush_interval %q: %v",
			poolCfg.FlushInterval, err,
		)
	}

	numSenders := utils.PoolSize(poolCfg.NumSenders, COLLECTOR_POOL_NUM_SENDERS_MAX)

	pool := &CollectorPool{
		numSenders:       numSenders,
		bufPool:          utils.NewBufPool(poolCfg.BufferPoolMaxSize),
		reportQueue:      make(chan *bytes.Buffer, poolCfg.ReportQueueSize),
		queueMu:          &sync.RWMutex{},
		compressionLevel: poolCfg.CompressionLevel,
		batchTargetSize:  int(batchTargetSize),
		compressMinSize:  int(compressMinSize),
		flushInterval:    flushInterval,
		state:            COLLECTOR_POOL_STATE_CREATED,
		stateMu:          &sync.Mutex{},
		poolStats:        NewCollectorPoolStats(numSenders),
		wg:               &sync.WaitGroup{},
	}

	collectorLog.Infof("num_senders=%d", pool.numSenders)
	collectorLog.Infof("buffer_pool_max_size=%d", poolCfg.BufferPoolMaxSize)
	collectorLog.Infof("report_queue_size=%d", poolCfg.ReportQueueSize)
	collectorLog.Infof("compression_level=%d", pool.compressionLevel)
	collectorLog.Infof("batch_target_size=%d", pool.batchTargetSize)
	collectorLog.Infof("compress_min_size=%d", pool.compressMinSize)
	collectorLog.Infof("flush_interval=%s", pool.flushInterval)

	return pool, nil
}

func (pool *CollectorPool) Start(sender Sender) {
	pool.stateMu.Lock()
	defer pool.stateMu.Unlock()

	if pool.state != COLLECTOR_POOL_STATE_CREATED {
		collectorLog.Warnf(
			"collector pool can only be started from state %d '%s', not from %d '%s'",
			COLLECTOR_POOL_STATE_CREATED, collectorStateMap[COLLECTOR_POOL_STATE_CREATED],
			pool.state, collectorStateMap[pool.state],
		)
		return
	}

	for senderIndx := 0; senderIndx < pool.numSenders; senderIndx++ {
		pool.wg.Add(1)
		go pool.loop(senderIndx, sender)
	}
	pool.state = COLLECTOR_POOL_STATE_RUNNING
}

// Close the queue and wait for the senders to flush their batches:
func (pool *CollectorPool) Shutdown() {
	pool.stateMu.Lock()
	defer pool.stateMu.Unlock()

	if pool.state == COLLECTOR_POOL_STATE_STOPPED {
		collectorLog.Warnf(
			"collector pool already in state %d '%s'",
			COLLECTOR_POOL_STATE_STOPPED, collectorStateMap[COLLECTOR_POOL_STATE_STOPPED],
		)
		return
	}

	collectorLog.Info("close report queue")
	pool.queueMu.Lock()
	pool.closed = true
	close(pool.reportQueue)
	pool.queueMu.Unlock()
	pool.wg.Wait()
	collectorLog.Info("all senders stopped")
	pool.state = COLLECTOR_POOL_STATE_STOPPED
}

// ReportSink interface; data is copied, the call never blocks.
func (pool *CollectorPool) QueueReport(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	pool.queueMu.RLock()
	defer pool.queueMu.RUnlock()

	if pool.closed {
		return ErrCollectorStopped
	}
	buf := pool.bufPool.GetBuf()
	buf.Write(data)
	select {
	case pool.reportQueue <- buf:
		return nil
	default:
		pool.bufPool.ReturnBuf(buf)
		pool.poolStats.mu.Lock()
		pool.poolStats.QueueFullCount += 1
		pool.poolStats.mu.Unlock()
		return ErrCollectorQueueFull
	}
}

func (pool *CollectorPool) SnapStats(to *CollectorPoolStats) *CollectorPoolStats {
	return pool.poolStats.Snap(to)
}

func (pool *CollectorPool) loop(senderIndx int, sender Sender) {
	var (
		buf      *bytes.Buffer
		gzWriter *gzip.Writer
		sendFn   func([]byte, time.Duration, bool) error
	)

	defer func() {
		collectorLog.Infof("sender %d stopped", senderIndx)
		pool.wg.Done()
	}()

	if sender != nil {
		sendFn = sender.SendBuffer
	}
	bufPool := pool.bufPool
	reportQueue := pool.reportQueue
	batchTargetSize := pool.batchTargetSize
	compressMinSize := pool.compressMinSize
	flushInterval := pool.flushInterval
	stats := pool.poolStats.Stats[senderIndx]
	statsMu := pool.poolStats.mu

	// Initialize a stopped timer:
	flushTimer := time.NewTimer(time.Hour)
	if !flushTimer.Stop() {
		<-flushTimer.C
	}

	batchBuf, gzBuf := &bytes.Buffer{}, &bytes.Buffer{}

	batchReportCount, batchTimeoutCount, doSend, timerSet := 0, 0, false, false
	collectorLog.Infof("start sender %d", senderIndx)
	for isOpen := true; isOpen; {
		select {
		case buf, isOpen = <-reportQueue:
			if buf != nil && buf.Len() > 0 {
				if batchReportCount == 0 {
					batchBuf.Reset()
					if flushInterval > 0 {
						flushTimer.Reset(flushInterval)
						timerSet = true
					}
				} else {
					batchBuf.WriteByte('\n')
				}
				batchReportCount += 1
				batchBuf.Write(buf.Bytes())
			}
			if buf != nil {
				bufPool.ReturnBuf(buf)
			}
			doSend = batchReportCount > 0 && (!isOpen || batchBuf.Len() >= batchTargetSize)
		case <-flushTimer.C:
			doSend, batchTimeoutCount, timerSet = batchReportCount > 0, 1, false
		}

		if !doSend {
			continue
		}

		if timerSet && !flushTimer.Stop() {
			<-flushTimer.C
		}

		batchByteCount := batchBuf.Len()
		payload, gzipped, writeErrCount := batchBuf.Bytes(), false, 0
		if compressMinSize > 0 && batchByteCount >= compressMinSize {
			gzBuf.Reset()
			var err error
			if gzWriter == nil {
				gzWriter, err = gzip.NewWriterLevel(gzBuf, pool.compressionLevel)
			} else {
				gzWriter.Reset(gzBuf)
			}
			if err == nil {
				_, err = gzWriter.Write(payload)
			}
			if err == nil {
				err = gzWriter.Close()
			}
			if err == nil {
				payload, gzipped = gzBuf.Bytes(), true
			} else {
				// Fallback to sending uncompressed:
				collectorLog.Warnf("sender %d: %v", senderIndx, err)
				gzWriter, writeErrCount = nil, 1
			}
		}

		sentCount, sentByteCount, sentErrCount := 1, len(payload), 0
		if sendFn != nil {
			if err := sendFn(payload, -1, gzipped); err != nil {
				collectorLog.Warnf("sender %d: %v", senderIndx, err)
				sentByteCount, sentErrCount = 0, 1
			}
		} else {
			sentCount, sentByteCount = 0, 0
		}

		statsMu.Lock()
		stats[COLLECTOR_STATS_REPORT_COUNT] += uint64(batchReportCount)
		stats[COLLECTOR_STATS_REPORT_BYTE_COUNT] += uint64(batchByteCount)
		stats[COLLECTOR_STATS_SEND_COUNT] += uint64(sentCount)
		stats[COLLECTOR_STATS_SEND_BYTE_COUNT] += uint64(sentByteCount)
		if gzipped {
			stats[COLLECTOR_STATS_GZIP_COUNT] += 1
		}
		stats[COLLECTOR_STATS_TIMEOUT_FLUSH_COUNT] += uint64(batchTimeoutCount)
		stats[COLLECTOR_STATS_SEND_ERROR_COUNT] += uint64(sentErrCount)
		stats[COLLECTOR_STATS_WRITE_ERROR_COUNT] += uint64(writeErrCount)
		statsMu.Unlock()

		batchReportCount, batchTimeoutCount, doSend, timerSet = 0, 0, false, false
	}
}
