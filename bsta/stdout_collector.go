// Display async reports at stdout instead of sending them to collectors.

package bsta

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/eparparita/bst-telemetry-agent/internal/utils"
)

type StdoutCollector struct {
	// The buffer pool for queued reports:
	bufPool *utils.BufPool
	// The report queue:
	reportQueue chan *bytes.Buffer
	queueMu     *sync.RWMutex
	closed      bool
	// Where to display, normally stdout:
	out io.Writer
	// Wait goroutine on shutdown:
	wg *sync.WaitGroup
}

func NewStdoutCollector(cfg any, out io.Writer) (*StdoutCollector, error) {
	var poolCfg *CollectorPoolConfig

	switch cfg := cfg.(type) {
	case *BstaConfig:
		poolCfg = cfg.CollectorPoolConfig
	case *CollectorPoolConfig:
		poolCfg = cfg
	case nil:
		poolCfg = DefaultCollectorPoolConfig()
	default:
		return nil, fmt.Errorf("NewStdoutCollector: %T invalid config type", cfg)
	}

	if out == nil {
		out = os.Stdout
	}

	collector := &StdoutCollector{
		bufPool:     utils.NewBufPool(poolCfg.BufferPoolMaxSize),
		reportQueue: make(chan *bytes.Buffer, poolCfg.ReportQueueSize),
		queueMu:     &sync.RWMutex{},
		out:         out,
		wg:          &sync.WaitGroup{},
	}

	collector.wg.Add(1)
	go collector.loop()

	return collector, nil
}

func (collector *StdoutCollector) QueueReport(data []byte) error {
	collector.queueMu.RLock()
	defer collector.queueMu.RUnlock()
	if collector.closed {
		return ErrCollectorStopped
	}
	buf := collector.bufPool.GetBuf()
	buf.Write(data)
	select {
	case collector.reportQueue <- buf:
		return nil
	default:
		collector.bufPool.ReturnBuf(buf)
		return ErrCollectorQueueFull
	}
}

func (collector *StdoutCollector) loop() {
	defer collector.wg.Done()

	for buf := range collector.reportQueue {
		buf.WriteByte('\n')
		collector.out.Write(buf.Bytes())
		collector.bufPool.ReturnBuf(buf)
	}
}

func (collector *StdoutCollector) Shutdown() {
	collector.queueMu.Lock()
	if !collector.closed {
		collector.closed = true
		close(collector.reportQueue)
	}
	collector.queueMu.Unlock()
	collector.wg.Wait()
}
