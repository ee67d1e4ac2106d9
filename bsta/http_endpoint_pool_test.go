// Tests for http_endpoint_pool.go

package bsta

import (
	"bytes"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/eparparita/bst-telemetry-agent/internal/testutils"
	"github.com/pkg/errors"
)

const (
	TEST_HTTP_ENDPOINT_POOL_MOCK_TIMEOUT = 10 * time.Second
	TEST_HTTP_ENDPOINT_POOL_WAIT_TIMEOUT = 5 * time.Second
)

func testHttpEndpointUrl(i int) string {
	return fmt.Sprintf("http://collector%d:8080/broadview/collector", i)
}

func newTestHttpEndpointPool(numEndpoints int, rateLimit string) (*HttpEndpointPool, error) {
	cfg := DefaultHttpEndpointPoolConfig()
	cfg.HealthyRotateInterval = "0"
	cfg.ErrorResetInterval = "0"
	cfg.HealthyCheckInterval = "1s"
	cfg.SendBufferTimeout = "5s"
	cfg.RateLimit = rateLimit
	for i := 0; i < numEndpoints; i++ {
		cfg.Endpoints = append(cfg.Endpoints, &HttpEndpointConfig{
			URL:                    testHttpEndpointUrl(i),
			MarkUnhealthyThreshold: 1,
		})
	}
	return NewHttpEndpointPool(cfg)
}

func (epPool *HttpEndpointPool) healthyUrls() []string {
	epPool.cond.L.Lock()
	defer epPool.cond.L.Unlock()
	urls := make([]string, 0)
	for ep := epPool.healthy.head; ep != nil; ep = ep.next {
		urls = append(urls, ep.URL)
	}
	return urls
}

func testHttpResponse(statusCode int) *http.Response {
	return &http.Response{
		Status:     fmt.Sprintf("%d %s", statusCode, http.StatusText(statusCode)),
		StatusCode: statusCode,
	}
}

type HttpEndpointPoolSendTestCase struct {
	name      string
	rateLimit string
	gzipped   bool
}

// 2 endpoints, the 1st one fails and it is replaced by the 2nd one; the 1st
// one then passes the health check and it is added back to the healthy list.
func testHttpEndpointPoolSend(tc *HttpEndpointPoolSendTestCase, t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, Log, nil)
	defer tlc.RestoreLog()

	epPool, err := newTestHttpEndpointPool(2, tc.rateLimit)
	if err != nil {
		tlc.Fatal(err)
	}
	mock := testutils.NewHttpClientDoerMock(TEST_HTTP_ENDPOINT_POOL_MOCK_TIMEOUT)
	epPool.SetClient(mock)
	defer epPool.Shutdown()
	defer mock.Cancel()

	url0, url1 := testHttpEndpointUrl(0), testHttpEndpointUrl(1)
	playbook := &testutils.HttpClientDoerPlaybook{
		RespErrs: []*testutils.HttpClientDoerPlaybookRespErr{
			{Url: url0, HttpClientDoerMockRespErr: testutils.HttpClientDoerMockRespErr{Response: testHttpResponse(http.StatusInternalServerError)}},
			{Url: url1, HttpClientDoerMockRespErr: testutils.HttpClientDoerMockRespErr{Response: testHttpResponse(http.StatusOK)}},
			// Health check:
			{Url: url0, HttpClientDoerMockRespErr: testutils.HttpClientDoerMockRespErr{Response: testHttpResponse(http.StatusOK)}},
		},
	}
	playErr := make(chan error, 1)
	go func() { playErr <- mock.Play(playbook) }()

	payload := []byte(`{"report":1}` + "\n" + `{"report":2}`)
	if err = epPool.SendBuffer(payload, 0, tc.gzipped); err != nil {
		tlc.Fatal(err)
	}

	select {
	case err = <-playErr:
		if err != nil {
			tlc.Fatal(err)
		}
	case <-time.After(TEST_HTTP_ENDPOINT_POOL_WAIT_TIMEOUT):
		tlc.Fatal("timeout waiting for playback")
	}

	errBuf := &bytes.Buffer{}

	// The health check response was played back but the endpoint is moved
	// asynchronously:
	wantHealthyUrls := []string{url1, url0}
	deadline := time.Now().Add(TEST_HTTP_ENDPOINT_POOL_WAIT_TIMEOUT)
	for {
		gotHealthyUrls := epPool.healthyUrls()
		if len(gotHealthyUrls) == len(wantHealthyUrls) || time.Now().After(deadline) {
			testutils.CompareSlices(wantHealthyUrls, gotHealthyUrls, "healthy URLs", errBuf)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(playbook.Reqs) != 3 {
		tlc.Fatalf("requests: want: 3, got: %d", len(playbook.Reqs))
	}
	for i, req := range playbook.Reqs {
		wantUrl, wantBody := url0, string(payload)
		switch i {
		case 1:
			wantUrl = url1
		case 2:
			wantBody = ""
		}
		testutils.CompareValues(wantUrl, req.Url, fmt.Sprintf("req[%d] url", i), errBuf)
		testutils.CompareValues(http.MethodPost, req.Request.Method, fmt.Sprintf("req[%d] method", i), errBuf)
		testutils.CompareValues(wantBody, string(req.Body), fmt.Sprintf("req[%d] body", i), errBuf)
		testutils.CompareValues(
			HTTP_ENDPOINT_REPORT_CONTENT_TYPE, req.Request.Header.Get("Content-Type"),
			fmt.Sprintf("req[%d] Content-Type", i), errBuf,
		)
		wantEncoding := ""
		if tc.gzipped && i < 2 {
			wantEncoding = "gzip"
		}
		testutils.CompareValues(
			wantEncoding, req.Request.Header.Get("Content-Encoding"),
			fmt.Sprintf("req[%d] Content-Encoding", i), errBuf,
		)
	}

	stats := epPool.SnapStats(nil)
	for _, check := range []struct {
		url  string
		indx int
		want uint64
	}{
		{url0, HTTP_ENDPOINT_STATS_SEND_BUFFER_COUNT, 1},
		{url0, HTTP_ENDPOINT_STATS_SEND_BUFFER_BYTE_COUNT, 0},
		{url0, HTTP_ENDPOINT_STATS_SEND_BUFFER_ERROR_COUNT, 1},
		{url0, HTTP_ENDPOINT_STATS_HEALTH_CHECK_COUNT, 1},
		{url0, HTTP_ENDPOINT_STATS_HEALTH_CHECK_ERROR_COUNT, 0},
		{url1, HTTP_ENDPOINT_STATS_SEND_BUFFER_COUNT, 1},
		{url1, HTTP_ENDPOINT_STATS_SEND_BUFFER_BYTE_COUNT, uint64(len(payload))},
		{url1, HTTP_ENDPOINT_STATS_SEND_BUFFER_ERROR_COUNT, 0},
	} {
		got := uint64(0)
		if epStats := stats.EndpointStats[check.url]; epStats != nil {
			got = epStats[check.indx]
		}
		testutils.CompareValues(check.want, got, check.url+": "+HttpEndpointStatsNameMap[check.indx], errBuf)
	}
	testutils.CompareValues(
		uint64(0), stats.Stats[HTTP_ENDPOINT_POOL_STATS_NO_HEALTHY_EP_ERROR_COUNT],
		HttpEndpointPoolStatsNameMap[HTTP_ENDPOINT_POOL_STATS_NO_HEALTHY_EP_ERROR_COUNT], errBuf,
	)

	if errBuf.Len() > 0 {
		tlc.Fatal(errBuf)
	}
}

func TestHttpEndpointPoolSend(t *testing.T) {
	for _, tc := range []*HttpEndpointPoolSendTestCase{
		{name: "plain"},
		{name: "gzipped", gzipped: true},
		{name: "rate_limit", rateLimit: "64k"},
	} {
		t.Run(
			tc.name,
			func(t *testing.T) { testHttpEndpointPoolSend(tc, t) },
		)
	}
}

func TestHttpEndpointPoolNoHealthy(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, Log, nil)
	defer tlc.RestoreLog()

	epPool, err := newTestHttpEndpointPool(1, "")
	if err != nil {
		tlc.Fatal(err)
	}
	mock := testutils.NewHttpClientDoerMock(TEST_HTTP_ENDPOINT_POOL_MOCK_TIMEOUT)
	epPool.SetClient(mock)
	defer epPool.Shutdown()
	defer mock.Cancel()

	go mock.SendResponse(testHttpEndpointUrl(0), testHttpResponse(http.StatusServiceUnavailable), nil)
	go mock.GetRequest(testHttpEndpointUrl(0))

	err = epPool.SendBuffer([]byte("report"), 300*time.Millisecond, false)
	if errors.Cause(err) != ErrHttpEndpointPoolNoHealthy {
		tlc.Fatalf("SendBuffer: want: %v, got: %v", ErrHttpEndpointPoolNoHealthy, err)
	}

	errBuf := &bytes.Buffer{}
	testutils.CompareSlices([]string{}, epPool.healthyUrls(), "healthy URLs", errBuf)
	stats := epPool.SnapStats(nil)
	testutils.CompareValues(
		uint64(1), stats.Stats[HTTP_ENDPOINT_POOL_STATS_NO_HEALTHY_EP_ERROR_COUNT],
		HttpEndpointPoolStatsNameMap[HTTP_ENDPOINT_POOL_STATS_NO_HEALTHY_EP_ERROR_COUNT], errBuf,
	)
	if errBuf.Len() > 0 {
		tlc.Fatal(errBuf)
	}
}

func TestHttpEndpointPoolShutdown(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, Log, nil)
	defer tlc.RestoreLog()

	epPool, err := newTestHttpEndpointPool(1, "")
	if err != nil {
		tlc.Fatal(err)
	}
	mock := testutils.NewHttpClientDoerMock(TEST_HTTP_ENDPOINT_POOL_MOCK_TIMEOUT)
	epPool.SetClient(mock)

	epPool.ReportError(epPool.GetCurrentHealthy(0))
	if ep := epPool.GetCurrentHealthy(0); ep != nil {
		tlc.Fatalf("GetCurrentHealthy: want: nil, got: %s", ep.URL)
	}

	waitDone := make(chan *HttpEndpoint, 1)
	go func() { waitDone <- epPool.GetCurrentHealthy(-1) }()
	time.Sleep(50 * time.Millisecond)

	mock.Cancel()
	epPool.Shutdown()
	select {
	case ep := <-waitDone:
		if ep != nil {
			tlc.Fatalf("GetCurrentHealthy after shutdown: want: nil, got: %s", ep.URL)
		}
	case <-time.After(TEST_HTTP_ENDPOINT_POOL_WAIT_TIMEOUT):
		tlc.Fatal("GetCurrentHealthy waiter not released by shutdown")
	}

	if err = epPool.SendBuffer([]byte("report"), 0, false); err != ErrHttpEndpointPoolShutdown {
		tlc.Fatalf("SendBuffer after shutdown: want: %v, got: %v", ErrHttpEndpointPoolShutdown, err)
	}
	// Idempotent:
	epPool.Shutdown()
}

func TestHttpEndpointDoublyLinkedList(t *testing.T) {
	eps := make([]*HttpEndpoint, 4)
	for i := range eps {
		eps[i] = &HttpEndpoint{URL: testHttpEndpointUrl(i)}
	}
	urls := func(list *HttpEndpointDoublyLinkedList) []string {
		fwd, bwd := make([]string, 0), make([]string, 0)
		for ep := list.head; ep != nil; ep = ep.next {
			fwd = append(fwd, ep.URL)
		}
		for ep := list.tail; ep != nil; ep = ep.prev {
			bwd = append([]string{ep.URL}, bwd...)
		}
		if len(fwd) != len(bwd) {
			return nil
		}
		for i := range fwd {
			if fwd[i] != bwd[i] {
				return nil
			}
		}
		return fwd
	}
	u := testHttpEndpointUrl

	errBuf := &bytes.Buffer{}
	list := &HttpEndpointDoublyLinkedList{}
	list.AddToTail(eps[1])
	list.Insert(eps[0], nil)
	list.AddToTail(eps[3])
	list.Insert(eps[2], eps[1])
	testutils.CompareSlices([]string{u(0), u(1), u(2), u(3)}, urls(list), "insert", errBuf)

	list.Remove(eps[0])
	testutils.CompareSlices([]string{u(1), u(2), u(3)}, urls(list), "remove head", errBuf)
	list.Remove(eps[3])
	testutils.CompareSlices([]string{u(1), u(2)}, urls(list), "remove tail", errBuf)
	list.AddToTail(eps[0])
	list.Remove(eps[2])
	testutils.CompareSlices([]string{u(1), u(0)}, urls(list), "remove middle", errBuf)
	list.Remove(eps[1])
	list.Remove(eps[0])
	testutils.CompareSlices([]string{}, urls(list), "remove all", errBuf)
	if list.head != nil || list.tail != nil {
		fmt.Fprintf(errBuf, "\nempty list: head, tail: want: nil, nil")
	}

	if errBuf.Len() > 0 {
		t.Fatal(errBuf)
	}
}

func TestHttpEndpointPoolInvalidConfig(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, Log, nil)
	defer tlc.RestoreLog()

	for _, tc := range []struct {
		name   string
		update func(cfg *HttpEndpointPoolConfig)
	}{
		{"healthy_rotate_interval", func(cfg *HttpEndpointPoolConfig) { cfg.HealthyRotateInterval = "sometimes" }},
		{"send_buffer_timeout", func(cfg *HttpEndpointPoolConfig) { cfg.SendBufferTimeout = "later" }},
		{"rate_limit", func(cfg *HttpEndpointPoolConfig) { cfg.RateLimit = "fast" }},
		{"empty_url", func(cfg *HttpEndpointPoolConfig) { cfg.Endpoints = []*HttpEndpointConfig{{URL: ""}} }},
	} {
		t.Run(
			tc.name,
			func(t *testing.T) {
				cfg := DefaultHttpEndpointPoolConfig()
				tc.update(cfg)
				if _, err := NewHttpEndpointPool(cfg); err == nil {
					t.Fatal("want: error, got: nil")
				}
			},
		)
	}
}
