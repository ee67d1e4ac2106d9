// Tests for worker.go and request_queue.go

package bsta

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eparparita/bst-telemetry-agent/internal/testutils"
	"github.com/pkg/errors"
)

var errTestReceive = errors.New("receive failure")

// A queue returning a scripted sequence of results, then blocking until the
// context is cancelled:
type testScriptedQueue struct {
	// nil request stands for failure:
	script       []*Request
	receiveCount int
	mu           *sync.Mutex
}

func newTestScriptedQueue(script []*Request) *testScriptedQueue {
	return &testScriptedQueue{script: script, mu: &sync.Mutex{}}
}

func (q *testScriptedQueue) Send(req *Request) error {
	return nil
}

func (q *testScriptedQueue) Receive(ctx context.Context) (*Request, error) {
	q.mu.Lock()
	if q.receiveCount < len(q.script) {
		req := q.script[q.receiveCount]
		q.receiveCount++
		q.mu.Unlock()
		if req == nil {
			return nil, errTestReceive
		}
		return req, nil
	}
	q.receiveCount++
	q.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (q *testScriptedQueue) Close() {}

// Always failing, it counts the receive attempts:
type testFailingQueue struct {
	receiveCount int
	mu           *sync.Mutex
}

func (q *testFailingQueue) Send(req *Request) error { return nil }

func (q *testFailingQueue) Receive(ctx context.Context) (*Request, error) {
	q.mu.Lock()
	q.receiveCount++
	q.mu.Unlock()
	return nil, errTestReceive
}

func (q *testFailingQueue) Close() {}

func (q *testFailingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.receiveCount
}

type testProcessor struct {
	processed []*Request
	mu        *sync.Mutex
}

func newTestProcessor() *testProcessor {
	return &testProcessor{mu: &sync.Mutex{}}
}

func (p *testProcessor) ProcessRequest(req *Request) {
	p.mu.Lock()
	p.processed = append(p.processed, req)
	p.mu.Unlock()
}

func (p *testProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.processed)
}

func waitWorkerDone(worker *Worker, timeout time.Duration) bool {
	select {
	case <-worker.Done():
		return true
	case <-time.After(timeout):
		return false
	}
}

type WorkerReceiveFailureTestCase struct {
	name               string
	maxReceiveFailures int
	restartOnTerminate bool
	maxRestarts        int
	wantReceiveCount   int
	wantRestartCount   uint64
}

func testWorkerReceiveFailure(tc *WorkerReceiveFailureTestCase, t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, Log, nil)
	defer tlc.RestoreLog()

	queue := &testFailingQueue{mu: &sync.Mutex{}}
	processor := newTestProcessor()
	worker, err := NewWorker(
		&WorkerConfig{
			MaxReceiveFailures: tc.maxReceiveFailures,
			RestartOnTerminate: tc.restartOnTerminate,
			RestartPause:       "1ms",
			MaxRestarts:        tc.maxRestarts,
		},
		queue,
		processor,
	)
	if err != nil {
		tlc.Fatal(err)
	}
	stats := NewAgentStats()
	worker.SetStats(stats)
	worker.Start()
	defer worker.Shutdown()

	if !waitWorkerDone(worker, TEST_AGENT_WAIT_TIMEOUT) {
		tlc.Fatal("worker did not terminate")
	}

	errBuf := &bytes.Buffer{}
	testutils.CompareValues(
		workerStateMap[WORKER_STATE_TERMINATED], workerStateMap[worker.State()],
		"state", errBuf,
	)
	if errors.Cause(worker.Err()) != ErrWorkerTerminated {
		fmt.Fprintf(errBuf, "\nErr: want: %v, got: %v", ErrWorkerTerminated, worker.Err())
	}
	testutils.CompareValues(tc.wantReceiveCount, queue.count(), "receive count", errBuf)
	testutils.CompareValues(
		uint64(tc.wantReceiveCount), stats.Get(AGENT_STATS_RECEIVE_ERROR_COUNT),
		"receive_error_count", errBuf,
	)
	testutils.CompareValues(tc.wantRestartCount, stats.Get(AGENT_STATS_WORKER_RESTART_COUNT), "worker_restart_count", errBuf)
	testutils.CompareValues(0, processor.count(), "processed count", errBuf)
	if errBuf.Len() > 0 {
		tlc.Fatal(errBuf)
	}
}

func TestWorkerReceiveFailure(t *testing.T) {
	for _, tc := range []*WorkerReceiveFailureTestCase{
		{
			name:               "default",
			maxReceiveFailures: WORKER_CONFIG_MAX_RECEIVE_FAILURES_DEFAULT,
			wantReceiveCount:   WORKER_CONFIG_MAX_RECEIVE_FAILURES_DEFAULT + 1,
		},
		{
			name:               "no_tolerance",
			maxReceiveFailures: 0,
			wantReceiveCount:   1,
		},
		{
			name:               "restart",
			maxReceiveFailures: 2,
			restartOnTerminate: true,
			maxRestarts:        3,
			wantReceiveCount:   (3 + 1) * (2 + 1),
			wantRestartCount:   3,
		},
	} {
		t.Run(
			tc.name,
			func(t *testing.T) { testWorkerReceiveFailure(tc, t) },
		)
	}
}

// Failures interspersed w/ successes do not add up:
func TestWorkerReceiveFailureReset(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, Log, nil)
	defer tlc.RestoreLog()

	maxReceiveFailures := 3
	script := make([]*Request, 0)
	numRequests := 5
	for i := 0; i < numRequests; i++ {
		for k := 0; k < maxReceiveFailures; k++ {
			script = append(script, nil)
		}
		script = append(script, &Request{Unit: i})
	}
	queue := newTestScriptedQueue(script)
	processor := newTestProcessor()
	worker, err := NewWorker(&WorkerConfig{MaxReceiveFailures: maxReceiveFailures, RestartPause: "1s"}, queue, processor)
	if err != nil {
		tlc.Fatal(err)
	}
	worker.Start()

	deadline := time.Now().Add(TEST_AGENT_WAIT_TIMEOUT)
	for processor.count() < numRequests && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	worker.Shutdown()

	errBuf := &bytes.Buffer{}
	testutils.CompareValues(numRequests, processor.count(), "processed count", errBuf)
	for i, req := range processor.processed {
		testutils.CompareValues(i, req.Unit, fmt.Sprintf("processed[%d].Unit", i), errBuf)
	}
	if worker.Err() != nil {
		fmt.Fprintf(errBuf, "\nErr: want: nil, got: %v", worker.Err())
	}
	testutils.CompareValues(
		workerStateMap[WORKER_STATE_STOPPED], workerStateMap[worker.State()],
		"state", errBuf,
	)
	select {
	case <-worker.Done():
	default:
		fmt.Fprintf(errBuf, "\nDone: not closed after shutdown")
	}
	if errBuf.Len() > 0 {
		tlc.Fatal(errBuf)
	}
}

func TestWorkerShutdownNeverStarted(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, Log, nil)
	defer tlc.RestoreLog()

	worker, err := NewWorker(nil, NewChanRequestQueue(1), newTestProcessor())
	if err != nil {
		tlc.Fatal(err)
	}
	worker.Shutdown()
	if !waitWorkerDone(worker, TEST_AGENT_QUIET_TIMEOUT) {
		tlc.Fatal("Done: not closed after shutdown")
	}
	// Idempotent:
	worker.Shutdown()
}

func TestWorkerInvalidConfig(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, Log, nil)
	defer tlc.RestoreLog()

	_, err := NewWorker(&WorkerConfig{RestartPause: "soon"}, NewChanRequestQueue(1), newTestProcessor())
	if err == nil {
		tlc.Fatal("want: error, got: nil")
	}
	_, err = NewWorker(42, NewChanRequestQueue(1), newTestProcessor())
	if err == nil {
		tlc.Fatal("want: error, got: nil")
	}
}

func TestChanRequestQueue(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, Log, nil)
	defer tlc.RestoreLog()

	queue := NewChanRequestQueue(2)
	errBuf := &bytes.Buffer{}

	for i := 0; i < 2; i++ {
		if err := queue.Send(&Request{Unit: i}); err != nil {
			fmt.Fprintf(errBuf, "\nSend# %d: %v", i+1, err)
		}
	}
	if err := queue.Send(&Request{Unit: 2}); err != ErrQueueFull {
		fmt.Fprintf(errBuf, "\nSend on full: want: %v, got: %v", ErrQueueFull, err)
	}
	testutils.CompareValues(2, queue.Len(), "Len", errBuf)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		req, err := queue.Receive(ctx)
		if err != nil {
			fmt.Fprintf(errBuf, "\nReceive# %d: %v", i+1, err)
			continue
		}
		testutils.CompareValues(i, req.Unit, fmt.Sprintf("Receive# %d Unit", i+1), errBuf)
	}

	cancelCtx, cancelFn := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancelFn()
	if _, err := queue.Receive(cancelCtx); err != context.DeadlineExceeded {
		fmt.Fprintf(errBuf, "\nReceive on empty: want: %v, got: %v", context.DeadlineExceeded, err)
	}

	queue.Close()
	queue.Close()
	if err := queue.Send(&Request{}); err != ErrQueueClosed {
		fmt.Fprintf(errBuf, "\nSend on closed: want: %v, got: %v", ErrQueueClosed, err)
	}
	if _, err := queue.Receive(ctx); err != ErrQueueClosed {
		fmt.Fprintf(errBuf, "\nReceive on closed: want: %v, got: %v", ErrQueueClosed, err)
	}

	if errBuf.Len() > 0 {
		tlc.Fatal(errBuf)
	}
}
