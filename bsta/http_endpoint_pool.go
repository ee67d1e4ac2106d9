// HTTP collector endpoint pool, the Sender used by the collector pool.

package bsta

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
)

// The agent is configured with a list of collector URL endpoints. The list is
// divided into 2 sub-lists: healthy and unhealthy. The endpoint at the head of
// the healthy list is the current one in use for reports. If a transport error
// occurs, the endpoint is moved to the back of the list. When the number of
// errors reaches a threshold, the endpoint is moved to the unhealthy list,
// where it is checked periodically via a test request. When the latter
// succeeds, the endpoint is returned to the tail of the healthy list. The
// healthy list is rotated periodically such that each endpoint will eventually
// be at the head.

const (
	// Endpoint default values:
	HTTP_ENDPOINT_URL_DEFAULT                      = "http://localhost:8080/broadview/collector"
	HTTP_ENDPOINT_MARK_UNHEALTHY_THRESHOLD_DEFAULT = 1

	// Endpoint pool default values, intervals are time.ParseDuration()
	// compatible:
	HTTP_ENDPOINT_POOL_HEALTHY_ROTATE_INTERVAL_DEFAULT = "5m"
	HTTP_ENDPOINT_POOL_ERROR_RESET_INTERVAL_DEFAULT    = "1m"
	HTTP_ENDPOINT_POOL_HEALTHY_CHECK_INTERVAL_DEFAULT  = "5s"
	HTTP_ENDPOINT_POOL_HEALTHY_CHECK_MIN_INTERVAL      = 1 * time.Second
	HTTP_ENDPOINT_POOL_SEND_BUFFER_TIMEOUT_DEFAULT     = "20s"
	HTTP_ENDPOINT_POOL_RATE_LIMIT_DEFAULT              = ""
	HTTP_ENDPOINT_POOL_RATE_LIMIT_INTERVAL             = 100 * time.Millisecond
	HTTP_ENDPOINT_POOL_RATE_LIMIT_MIN_READ             = 1500
	// http.Transport config default values:
	HTTP_ENDPOINT_POOL_MAX_IDLE_CONNS_DEFAULT          = 0 // No limit
	HTTP_ENDPOINT_POOL_MAX_IDLE_CONNS_PER_HOST_DEFAULT = 1
	HTTP_ENDPOINT_POOL_MAX_CONNS_PER_HOST_DEFAULT      = 0 // No limit
	HTTP_ENDPOINT_POOL_IDLE_CONN_TIMEOUT_DEFAULT       = "1m"
	HTTP_ENDPOINT_POOL_RESPONSE_HEADER_TIMEOUT_DEFAULT = "15s"
)

const (
	HTTP_ENDPOINT_REPORT_CONTENT_TYPE = "application/x-ndjson"
)

// Endpoint stats:
const (
	HTTP_ENDPOINT_STATS_SEND_BUFFER_COUNT = iota
	HTTP_ENDPOINT_STATS_SEND_BUFFER_BYTE_COUNT
	HTTP_ENDPOINT_STATS_SEND_BUFFER_ERROR_COUNT
	HTTP_ENDPOINT_STATS_HEALTH_CHECK_COUNT
	HTTP_ENDPOINT_STATS_HEALTH_CHECK_ERROR_COUNT
	// Must be last:
	HTTP_ENDPOINT_STATS_LEN
)

// Endpoint pool stats:
const (
	HTTP_ENDPOINT_POOL_STATS_HEALTHY_ROTATE_COUNT = iota
	HTTP_ENDPOINT_POOL_STATS_NO_HEALTHY_EP_ERROR_COUNT
	// Must be last:
	HTTP_ENDPOINT_POOL_STATS_LEN
)

var HttpEndpointStatsNameMap = map[int]string{
	HTTP_ENDPOINT_STATS_SEND_BUFFER_COUNT:        "send_buffer_count",
	HTTP_ENDPOINT_STATS_SEND_BUFFER_BYTE_COUNT:   "send_buffer_byte_count",
	HTTP_ENDPOINT_STATS_SEND_BUFFER_ERROR_COUNT:  "send_buffer_error_count",
	HTTP_ENDPOINT_STATS_HEALTH_CHECK_COUNT:       "health_check_count",
	HTTP_ENDPOINT_STATS_HEALTH_CHECK_ERROR_COUNT: "health_check_error_count",
}

var HttpEndpointPoolStatsNameMap = map[int]string{
	HTTP_ENDPOINT_POOL_STATS_HEALTHY_ROTATE_COUNT:      "healthy_rotate_count",
	HTTP_ENDPOINT_POOL_STATS_NO_HEALTHY_EP_ERROR_COUNT: "no_healthy_ep_error_count",
}

var (
	ErrHttpEndpointPoolNoHealthy = errors.New("no healthy endpoint")
	ErrHttpEndpointPoolShutdown  = errors.New("endpoint pool shutdown")
)

var epPoolLog = NewCompLogger("http_endpoint_pool")

// The http.Client interface, mocked for testing:
type HttpClientDoer interface {
	Do(req *http.Request) (*http.Response, error)
	CloseIdleConnections()
}

type HttpEndpoint struct {
	// The URL that accepts POST w/ newline separated JSON reports:
	URL string
	// State:
	healthy bool
	// The threshold for failed accesses count, used for declaring the endpoint
	// unhealthy; this may be > 1 for cases where the host name part of the URL
	// resolves to a list of addresses, in which case it should be set to the
	// number of members.
	markUnhealthyThreshold int
	// The number of errors so far that is compared against the threshold above:
	numErrors int
	// The timestamp of the most recent error:
	errorTs time.Time
	// Doubly linked list:
	prev, next *HttpEndpoint
}

type HttpEndpointConfig struct {
	URL                    string `yaml:"url"`
	MarkUnhealthyThreshold int    `yaml:"mark_unhealthy_threshold"`
}

func DefaultHttpEndpointConfig() *HttpEndpointConfig {
	return &HttpEndpointConfig{
		URL:                    HTTP_ENDPOINT_URL_DEFAULT,
		MarkUnhealthyThreshold: HTTP_ENDPOINT_MARK_UNHEALTHY_THRESHOLD_DEFAULT,
	}
}

func NewHttpEndpoint(cfg *HttpEndpointConfig) (*HttpEndpoint, error) {
	if cfg == nil {
		cfg = DefaultHttpEndpointConfig()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("NewHttpEndpoint: empty URL")
	}
	ep := &HttpEndpoint{
		URL:                    cfg.URL,
		markUnhealthyThreshold: cfg.MarkUnhealthyThreshold,
	}
	if ep.markUnhealthyThreshold <= 0 {
		ep.markUnhealthyThreshold = HTTP_ENDPOINT_MARK_UNHEALTHY_THRESHOLD_DEFAULT
	}
	return ep, nil
}

type HttpEndpointDoublyLinkedList struct {
	head, tail *HttpEndpoint
}

func (epDblLnkList *HttpEndpointDoublyLinkedList) Insert(ep, after *HttpEndpoint) {
	ep.prev = after
	if after != nil {
		ep.next = after.next
		after.next = ep
	} else {
		ep.next = epDblLnkList.head
		epDblLnkList.head = ep
	}
	if ep.next != nil {
		ep.next.prev = ep
	} else {
		epDblLnkList.tail = ep
	}
}

func (epDblLnkList *HttpEndpointDoublyLinkedList) Remove(ep *HttpEndpoint) {
	if ep.prev != nil {
		ep.prev.next = ep.next
	} else {
		epDblLnkList.head = ep.next
	}
	if ep.next != nil {
		ep.next.prev = ep.prev
	} else {
		epDblLnkList.tail = ep.prev
	}
	ep.prev = nil
	ep.next = nil
}

func (epDblLnkList *HttpEndpointDoublyLinkedList) AddToTail(ep *HttpEndpoint) {
	epDblLnkList.Insert(ep, epDblLnkList.tail)
}

type HttpEndpointStats []uint64

type HttpEndpointPoolStats struct {
	Stats []uint64
	// Endpoint stats are indexed by URL:
	EndpointStats map[string]HttpEndpointStats
	// Lock:
	mu *sync.Mutex
}

func NewHttpEndpointPoolStatsNoLock() *HttpEndpointPoolStats {
	return &HttpEndpointPoolStats{
		Stats:         make([]uint64, HTTP_ENDPOINT_POOL_STATS_LEN),
		EndpointStats: make(map[string]HttpEndpointStats),
	}
}

func NewHttpEndpointPoolStats() *HttpEndpointPoolStats {
	stats := NewHttpEndpointPoolStatsNoLock()
	stats.mu = &sync.Mutex{}
	return stats
}

func (stats *HttpEndpointPoolStats) incEp(url string, indx int, val uint64) {
	stats.mu.Lock()
	defer stats.mu.Unlock()
	epStats := stats.EndpointStats[url]
	if epStats == nil {
		epStats = make(HttpEndpointStats, HTTP_ENDPOINT_STATS_LEN)
		stats.EndpointStats[url] = epStats
	}
	epStats[indx] += val
}

func (stats *HttpEndpointPoolStats) inc(indx int) {
	stats.mu.Lock()
	stats.Stats[indx] += 1
	stats.mu.Unlock()
}

func (stats *HttpEndpointPoolStats) Snap(to *HttpEndpointPoolStats) *HttpEndpointPoolStats {
	if to == nil {
		to = NewHttpEndpointPoolStatsNoLock()
	}
	stats.mu.Lock()
	defer stats.mu.Unlock()
	copy(to.Stats, stats.Stats)
	for url, epStats := range stats.EndpointStats {
		toEpStats := to.EndpointStats[url]
		if toEpStats == nil {
			toEpStats = make(HttpEndpointStats, HTTP_ENDPOINT_STATS_LEN)
			to.EndpointStats[url] = toEpStats
		}
		copy(toEpStats, epStats)
	}
	return to
}

type HttpEndpointPool struct {
	// The healthy list:
	healthy *HttpEndpointDoublyLinkedList
	// How often to rotate the healthy list; use 0 to disable the rotation:
	healthyRotateInterval time.Duration
	// The time stamp when the last change to the head of the healthy list
	// occurred:
	healthyHeadChangeTs time.Time
	// Errors older than this interval are ignored when declaring an endpoint
	// unhealthy; use 0 to disable:
	errorResetInterval time.Duration
	// How often to check if an unhealthy endpoint has become healthy:
	healthyCheckInterval time.Duration
	// The default for SendBuffer w/ timeout <= 0:
	sendBufferTimeout time.Duration
	// Optional bandwidth limit:
	credit *Credit
	// The client used for requests:
	client HttpClientDoer
	// Condition lock for access:
	cond *sync.Cond
	// Shutdown control for the health checkers:
	ctx      context.Context
	cancelFn context.CancelFunc
	wg       *sync.WaitGroup
	shutdown bool
	// Stats:
	stats *HttpEndpointPoolStats
}

type HttpEndpointPoolConfig struct {
	Endpoints             []*HttpEndpointConfig `yaml:"endpoints"`
	HealthyRotateInterval string                `yaml:"healthy_rotate_interval"`
	ErrorResetInterval    string                `yaml:"error_reset_interval"`
	HealthyCheckInterval  string                `yaml:"healthy_check_interval"`
	SendBufferTimeout     string                `yaml:"send_buffer_timeout"`
	// Bandwidth limit, bytes/sec w/ the usual `k` or `m` suffixes; empty or
	// 0 to disable:
	RateLimit string `yaml:"rate_limit"`
	// Params for http.Transport:
	MaxIdleConns          int    `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int    `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int    `yaml:"max_conns_per_host"`
	IdleConnTimeout       string `yaml:"idle_conn_timeout"`
	ResponseHeaderTimeout string `yaml:"response_header_timeout"`
}

func DefaultHttpEndpointPoolConfig() *HttpEndpointPoolConfig {
	return &HttpEndpointPoolConfig{
		HealthyRotateInterval: HTTP_ENDPOINT_POOL_HEALTHY_ROTATE_INTERVAL_DEFAULT,
		ErrorResetInterval:    HTTP_ENDPOINT_POOL_ERROR_RESET_INTERVAL_DEFAULT,
		HealthyCheckInterval:  HTTP_ENDPOINT_POOL_HEALTHY_CHECK_INTERVAL_DEFAULT,
		SendBufferTimeout:     HTTP_ENDPOINT_POOL_SEND_BUFFER_TIMEOUT_DEFAULT,
		RateLimit:             HTTP_ENDPOINT_POOL_RATE_LIMIT_DEFAULT,
		MaxIdleConns:          HTTP_ENDPOINT_POOL_MAX_IDLE_CONNS_DEFAULT,
		MaxIdleConnsPerHost:   HTTP_ENDPOINT_POOL_MAX_IDLE_CONNS_PER_HOST_DEFAULT,
		MaxConnsPerHost:       HTTP_ENDPOINT_POOL_MAX_CONNS_PER_HOST_DEFAULT,
		IdleConnTimeout:       HTTP_ENDPOINT_POOL_IDLE_CONN_TIMEOUT_DEFAULT,
		ResponseHeaderTimeout: HTTP_ENDPOINT_POOL_RESPONSE_HEADER_TIMEOUT_DEFAULT,
	}
}

func NewHttpEndpointPool(cfg any) (*HttpEndpointPool, error) {
	var (
		err     error
		poolCfg *HttpEndpointPoolConfig
	)

	switch cfg := cfg.(type) {
	case *BstaConfig:
		poolCfg = cfg.HttpEndpointPoolConfig
	case *HttpEndpointPoolConfig:
		poolCfg = cfg
	case nil:
	default:
		return nil, fmt.Errorf("NewHttpEndpointPool: %T invalid config type", cfg)
	}
	if poolCfg == nil {
		poolCfg = DefaultHttpEndpointPoolConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        poolCfg.MaxIdleConns,
		MaxIdleConnsPerHost: poolCfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     poolCfg.MaxConnsPerHost,
	}
	if transport.IdleConnTimeout, err = time.ParseDuration(poolCfg.IdleConnTimeout); err != nil {
		return nil, fmt.Errorf("NewHttpEndpointPool: idle_conn_timeout: %v", err)
	}
	if transport.ResponseHeaderTimeout, err = time.ParseDuration(poolCfg.ResponseHeaderTimeout); err != nil {
		return nil, fmt.Errorf("NewHttpEndpointPool: response_header_timeout: %v", err)
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	epPool := &HttpEndpointPool{
		healthy:  &HttpEndpointDoublyLinkedList{},
		client:   &http.Client{Transport: transport},
		cond:     sync.NewCond(&sync.Mutex{}),
		ctx:      ctx,
		cancelFn: cancelFn,
		wg:       &sync.WaitGroup{},
		stats:    NewHttpEndpointPoolStats(),
	}
	if epPool.healthyRotateInterval, err = time.ParseDuration(poolCfg.HealthyRotateInterval); err != nil {
		return nil, fmt.Errorf("NewHttpEndpointPool: healthy_rotate_interval: %v", err)
	}
	if epPool.errorResetInterval, err = time.ParseDuration(poolCfg.ErrorResetInterval); err != nil {
		return nil, fmt.Errorf("NewHttpEndpointPool: error_reset_interval: %v", err)
	}
	if epPool.healthyCheckInterval, err = time.ParseDuration(poolCfg.HealthyCheckInterval); err != nil {
		return nil, fmt.Errorf("NewHttpEndpointPool: healthy_check_interval: %v", err)
	}
	if epPool.healthyCheckInterval < HTTP_ENDPOINT_POOL_HEALTHY_CHECK_MIN_INTERVAL {
		epPoolLog.Warnf(
			"healthy_check_interval %s too small, it will be adjusted to %s",
			epPool.healthyCheckInterval, HTTP_ENDPOINT_POOL_HEALTHY_CHECK_MIN_INTERVAL,
		)
		epPool.healthyCheckInterval = HTTP_ENDPOINT_POOL_HEALTHY_CHECK_MIN_INTERVAL
	}
	if epPool.sendBufferTimeout, err = time.ParseDuration(poolCfg.SendBufferTimeout); err != nil {
		return nil, fmt.Errorf("NewHttpEndpointPool: send_buffer_timeout: %v", err)
	}

	rateLimit := int64(0)
	if poolCfg.RateLimit != "" {
		if rateLimit, err = units.RAMInBytes(poolCfg.RateLimit); err != nil {
			return nil, fmt.Errorf("NewHttpEndpointPool: rate_limit: %v", err)
		}
	}
	if rateLimit > 0 {
		replenishValue := int(rateLimit * int64(HTTP_ENDPOINT_POOL_RATE_LIMIT_INTERVAL) / int64(time.Second))
		if replenishValue < 1 {
			replenishValue = 1
		}
		epPool.credit = NewCredit(replenishValue, replenishValue, HTTP_ENDPOINT_POOL_RATE_LIMIT_INTERVAL)
	}

	epPoolLog.Infof("healthy_rotate_interval=%s", epPool.healthyRotateInterval)
	epPoolLog.Infof("error_reset_interval=%s", epPool.errorResetInterval)
	epPoolLog.Infof("healthy_check_interval=%s", epPool.healthyCheckInterval)
	epPoolLog.Infof("send_buffer_timeout=%s", epPool.sendBufferTimeout)
	epPoolLog.Infof("rate_limit=%d", rateLimit)
	epPoolLog.Infof("max_idle_conns=%d", transport.MaxIdleConns)
	epPoolLog.Infof("max_idle_conns_per_host=%d", transport.MaxIdleConnsPerHost)
	epPoolLog.Infof("max_conns_per_host=%d", transport.MaxConnsPerHost)
	epPoolLog.Infof("idle_conn_timeout=%s", transport.IdleConnTimeout)
	epPoolLog.Infof("response_header_timeout=%s", transport.ResponseHeaderTimeout)

	epCfgs := poolCfg.Endpoints
	if len(epCfgs) == 0 {
		epCfgs = []*HttpEndpointConfig{DefaultHttpEndpointConfig()}
	}
	for _, epCfg := range epCfgs {
		ep, err := NewHttpEndpoint(epCfg)
		if err != nil {
			epPool.Shutdown()
			return nil, err
		}
		epPool.MoveToHealthy(ep)
	}
	epPoolLog.Infof("%s is at the head of the healthy list", epPool.healthy.head.URL)
	epPool.healthyHeadChangeTs = time.Now()
	return epPool, nil
}

// Replace the client, for testing:
func (epPool *HttpEndpointPool) SetClient(client HttpClientDoer) {
	epPool.cond.L.Lock()
	epPool.client = client
	epPool.cond.L.Unlock()
}

func (epPool *HttpEndpointPool) MoveToHealthy(ep *HttpEndpoint) {
	epPool.cond.L.Lock()
	defer epPool.cond.L.Unlock()
	if ep.healthy {
		return
	}
	ep.healthy = true
	ep.numErrors = 0
	epPool.healthy.AddToTail(ep)
	epPool.cond.Broadcast()
	epPoolLog.Infof(
		"url=%s, mark_unhealthy_threshold=%d added to the healthy list",
		ep.URL, ep.markUnhealthyThreshold,
	)
}

// Must be called w/ the lock held; it starts the health checker:
func (epPool *HttpEndpointPool) moveToUnhealthyNoLock(ep *HttpEndpoint) {
	if !ep.healthy {
		return
	}
	ep.healthy = false
	epPool.healthy.Remove(ep)
	epPoolLog.Warnf("%s moved to the unhealthy list", ep.URL)
	if epPool.shutdown {
		return
	}
	epPool.wg.Add(1)
	go epPool.healthCheck(ep)
}

// Record an error against the endpoint; it will be moved to the tail of the
// healthy list or to the unhealthy one if it reached its threshold.
func (epPool *HttpEndpointPool) ReportError(ep *HttpEndpoint) {
	epPool.cond.L.Lock()
	defer epPool.cond.L.Unlock()
	if !ep.healthy {
		return
	}
	ep.numErrors += 1
	ep.errorTs = time.Now()
	if ep.numErrors >= ep.markUnhealthyThreshold {
		epPool.moveToUnhealthyNoLock(ep)
		return
	}
	if epPool.healthy.tail != ep {
		epPool.healthy.Remove(ep)
		epPool.healthy.AddToTail(ep)
		epPool.healthyHeadChangeTs = time.Now()
	}
}

// Get the endpoint at the head of the healthy list, waiting for one up to
// maxWait: 0 doesn't wait, < 0 waits until one becomes available or the pool is
// shutdown. Return nil if none is available.
func (epPool *HttpEndpointPool) GetCurrentHealthy(maxWait time.Duration) *HttpEndpoint {
	epPool.cond.L.Lock()
	defer epPool.cond.L.Unlock()

	if epPool.healthy.head == nil && maxWait != 0 && !epPool.shutdown {
		timedOut := false
		if maxWait > 0 {
			timer := time.AfterFunc(maxWait, func() {
				epPool.cond.L.Lock()
				timedOut = true
				epPool.cond.Broadcast()
				epPool.cond.L.Unlock()
			})
			defer timer.Stop()
		}
		for epPool.healthy.head == nil && !timedOut && !epPool.shutdown {
			epPool.cond.Wait()
		}
	}

	ep := epPool.healthy.head
	if ep == nil {
		return nil
	}
	// Rotate as needed:
	if epPool.healthyRotateInterval > 0 &&
		epPool.healthy.head != epPool.healthy.tail &&
		time.Since(epPool.healthyHeadChangeTs) >= epPool.healthyRotateInterval {
		epPool.healthy.Remove(ep)
		epPool.healthy.AddToTail(ep)
		ep = epPool.healthy.head
		epPool.healthyHeadChangeTs = time.Now()
		epPool.stats.inc(HTTP_ENDPOINT_POOL_STATS_HEALTHY_ROTATE_COUNT)
		epPoolLog.Infof("%s rotated to healthy list head", ep.URL)
	}
	// Apply error reset as needed:
	if epPool.errorResetInterval > 0 &&
		ep.numErrors > 0 &&
		time.Since(ep.errorTs) >= epPool.errorResetInterval {
		epPoolLog.Infof("clear error count for %s (was: %d)", ep.URL, ep.numErrors)
		ep.numErrors = 0
	}
	return ep
}

func (epPool *HttpEndpointPool) getClient() HttpClientDoer {
	epPool.cond.L.Lock()
	defer epPool.cond.L.Unlock()
	return epPool.client
}

func (epPool *HttpEndpointPool) doRequest(req *http.Request) error {
	resp, err := epPool.getClient().Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", req.Method, req.URL, resp.Status)
	}
	return nil
}

// Sender interface. Try the healthy endpoints in turn until one accepts the
// buffer or the timeout expires; timeout <= 0 uses send_buffer_timeout.
func (epPool *HttpEndpointPool) SendBuffer(b []byte, timeout time.Duration, gzipped bool) error {
	if timeout <= 0 {
		timeout = epPool.sendBufferTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		maxWait := time.Until(deadline)
		if maxWait <= 0 {
			return errors.Wrapf(ErrHttpEndpointPoolNoHealthy, "send buffer timeout %s", timeout)
		}
		ep := epPool.GetCurrentHealthy(maxWait)
		if ep == nil {
			if epPool.isShutdown() {
				return ErrHttpEndpointPoolShutdown
			}
			epPool.stats.inc(HTTP_ENDPOINT_POOL_STATS_NO_HEALTHY_EP_ERROR_COUNT)
			return errors.Wrapf(ErrHttpEndpointPoolNoHealthy, "send buffer timeout %s", timeout)
		}

		var body io.Reader
		if epPool.credit != nil {
			body = NewCreditReader(epPool.credit, HTTP_ENDPOINT_POOL_RATE_LIMIT_MIN_READ, b)
		} else {
			body = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(epPool.ctx, http.MethodPost, ep.URL, body)
		if err != nil {
			return err
		}
		req.ContentLength = int64(len(b))
		req.Header.Set("Content-Type", HTTP_ENDPOINT_REPORT_CONTENT_TYPE)
		if gzipped {
			req.Header.Set("Content-Encoding", "gzip")
		}

		err = epPool.doRequest(req)
		epPool.stats.incEp(ep.URL, HTTP_ENDPOINT_STATS_SEND_BUFFER_COUNT, 1)
		if err == nil {
			epPool.stats.incEp(ep.URL, HTTP_ENDPOINT_STATS_SEND_BUFFER_BYTE_COUNT, uint64(len(b)))
			return nil
		}
		epPool.stats.incEp(ep.URL, HTTP_ENDPOINT_STATS_SEND_BUFFER_ERROR_COUNT, 1)
		epPoolLog.Warn(err)
		if epPool.isShutdown() {
			return ErrHttpEndpointPoolShutdown
		}
		epPool.ReportError(ep)
	}
}

func (epPool *HttpEndpointPool) isShutdown() bool {
	epPool.cond.L.Lock()
	defer epPool.cond.L.Unlock()
	return epPool.shutdown
}

func (epPool *HttpEndpointPool) healthCheck(ep *HttpEndpoint) {
	defer epPool.wg.Done()

	epPoolLog.Infof("start health check for %s", ep.URL)
	ticker := time.NewTicker(epPool.healthyCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-epPool.ctx.Done():
			epPoolLog.Infof("stop health check for %s", ep.URL)
			return
		case <-ticker.C:
		}
		req, err := http.NewRequestWithContext(epPool.ctx, http.MethodPost, ep.URL, nil)
		if err != nil {
			epPoolLog.Warnf("health check %s: %v", ep.URL, err)
			continue
		}
		req.Header.Set("Content-Type", HTTP_ENDPOINT_REPORT_CONTENT_TYPE)
		err = epPool.doRequest(req)
		epPool.stats.incEp(ep.URL, HTTP_ENDPOINT_STATS_HEALTH_CHECK_COUNT, 1)
		if err == nil {
			epPool.MoveToHealthy(ep)
			return
		}
		epPool.stats.incEp(ep.URL, HTTP_ENDPOINT_STATS_HEALTH_CHECK_ERROR_COUNT, 1)
		epPoolLog.Debugf("health check: %v", err)
	}
}

func (epPool *HttpEndpointPool) SnapStats(to *HttpEndpointPoolStats) *HttpEndpointPoolStats {
	return epPool.stats.Snap(to)
}

// Stop the health checkers and release any waiting sender:
func (epPool *HttpEndpointPool) Shutdown() {
	epPool.cond.L.Lock()
	if epPool.shutdown {
		epPool.cond.L.Unlock()
		return
	}
	epPool.shutdown = true
	epPool.cond.Broadcast()
	epPool.cond.L.Unlock()

	epPool.cancelFn()
	epPool.wg.Wait()
	if epPool.credit != nil {
		epPool.credit.StopReplenishWait()
	}
	epPool.getClient().CloseIdleConnections()
	epPoolLog.Info("endpoint pool stopped")
}
