// REST front end: BroadView style JSON-RPC over HTTP.
//
// Each request is converted into a core request w/ a fresh cookie, submitted to
// the agent and the caller waits for the reply routed back by cookie.

package bsta

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/eparparita/bst-telemetry-agent/asic"
	"github.com/eparparita/bst-telemetry-agent/internal/utils"
)

const (
	REST_SERVER_ADDRESS_DEFAULT          = ":8080"
	REST_SERVER_REPLY_TIMEOUT_DEFAULT    = "10s"
	REST_SERVER_SHUTDOWN_TIMEOUT_DEFAULT = "5s"
	REST_SERVER_MAX_REQUEST_SIZE_DEFAULT = 64 * 1024

	REST_BST_PATH_PREFIX        = "/broadview/bst/"
	REST_SWITCH_PROPERTIES_PATH = "/broadview/system/switch-properties"
	REST_AGENT_STATS_PATH       = "/broadview/agent/stats"

	REST_CONTENT_TYPE = "application/json"

	REST_SUPPORTED_FEATURE_BST = "BST"
	REST_METHOD_SWITCH_PROPS   = "get-switch-properties"
)

var restLog = NewCompLogger("rest")

var ErrRestReplyTimeout = errors.New("reply timeout")

type RestServerConfig struct {
	Address string `yaml:"address"`
	// How long to wait for the agent's reply; the value should be compatible
	// with time.ParseDuration():
	ReplyTimeout    string `yaml:"reply_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	MaxRequestSize  int64  `yaml:"max_request_size"`
}

func DefaultRestServerConfig() *RestServerConfig {
	return &RestServerConfig{
		Address:         REST_SERVER_ADDRESS_DEFAULT,
		ReplyTimeout:    REST_SERVER_REPLY_TIMEOUT_DEFAULT,
		ShutdownTimeout: REST_SERVER_SHUTDOWN_TIMEOUT_DEFAULT,
		MaxRequestSize:  REST_SERVER_MAX_REQUEST_SIZE_DEFAULT,
	}
}

// Optional stats sources for the agent stats endpoint:
type RestStatsSources struct {
	CollectorPool    *CollectorPool
	HttpEndpointPool *HttpEndpointPool
	Scheduler        *Scheduler
}

type RestServer struct {
	agent           *Agent
	router          *ReplyRouter
	encoder         *JsonEncoder
	statsSources    *RestStatsSources
	address         string
	replyTimeout    time.Duration
	shutdownTimeout time.Duration
	maxRequestSize  int64
	api             jsoniter.API
	server          *http.Server
	listener        net.Listener
	wg              *sync.WaitGroup
}

// The JSON-RPC envelope:
type restRequest struct {
	JsonRpc string              `json:"jsonrpc"`
	Method  string              `json:"method"`
	AsicId  string              `json:"asic-id"`
	Params  jsoniter.RawMessage `json:"params"`
	Id      int64               `json:"id"`
}

type restFeatureParams struct {
	BstEnable                *int   `json:"bst-enable"`
	SendAsyncReports         *int   `json:"send-async-reports"`
	CollectionInterval       *int64 `json:"collection-interval"`
	StatUnitsInCells         *int   `json:"stat-units-in-cells"`
	SendSnapshotOnTrigger    *int   `json:"send-snapshot-on-trigger"`
	TriggerRateLimit         *int   `json:"trigger-rate-limit"`
	TriggerRateLimitInterval *int64 `json:"trigger-rate-limit-interval"`
}

type restThreshold struct {
	Realm string `json:"realm"`
	// For 2D realms only:
	Port      *int   `json:"port"`
	Index     int    `json:"index"`
	Threshold uint64 `json:"threshold"`
}

type restThresholdParams struct {
	Thresholds []*restThreshold `json:"thresholds"`
	// Single setting form:
	Realm     string `json:"realm"`
	Port      *int   `json:"port"`
	Index     int    `json:"index"`
	Threshold uint64 `json:"threshold"`
}

func NewRestServer(cfg any, agent *Agent, router *ReplyRouter, statsSources *RestStatsSources) (*RestServer, error) {
	var (
		err       error
		serverCfg *RestServerConfig
	)

	switch cfg := cfg.(type) {
	case *BstaConfig:
		serverCfg = cfg.RestServerConfig
	case *RestServerConfig:
		serverCfg = cfg
	case nil:
	default:
		return nil, fmt.Errorf("NewRestServer: %T invalid config type", cfg)
	}
	if serverCfg == nil {
		serverCfg = DefaultRestServerConfig()
	}
	if agent == nil || router == nil {
		return nil, fmt.Errorf("NewRestServer: agent and reply router are required")
	}

	server := &RestServer{
		agent:          agent,
		router:         router,
		encoder:        router.encoder,
		statsSources:   statsSources,
		address:        serverCfg.Address,
		maxRequestSize: serverCfg.MaxRequestSize,
		api:            jsoniter.ConfigCompatibleWithStandardLibrary,
		wg:             &sync.WaitGroup{},
	}
	if server.statsSources == nil {
		server.statsSources = &RestStatsSources{}
	}
	if server.maxRequestSize <= 0 {
		server.maxRequestSize = REST_SERVER_MAX_REQUEST_SIZE_DEFAULT
	}
	if server.replyTimeout, err = time.ParseDuration(serverCfg.ReplyTimeout); err != nil {
		return nil, fmt.Errorf("NewRestServer: reply_timeout: %v", err)
	}
	if server.shutdownTimeout, err = time.ParseDuration(serverCfg.ShutdownTimeout); err != nil {
		return nil, fmt.Errorf("NewRestServer: shutdown_timeout: %v", err)
	}

	restLog.Infof("address=%s", server.address)
	restLog.Infof("reply_timeout=%s", server.replyTimeout)
	restLog.Infof("shutdown_timeout=%s", server.shutdownTimeout)
	restLog.Infof("max_request_size=%d", server.maxRequestSize)

	return server, nil
}

func (server *RestServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(REST_BST_PATH_PREFIX, server.handleBst)
	mux.HandleFunc(REST_SWITCH_PROPERTIES_PATH, server.handleSwitchProperties)
	mux.HandleFunc(REST_AGENT_STATS_PATH, server.handleAgentStats)
	return mux
}

func (server *RestServer) Start() error {
	listener, err := net.Listen("tcp", server.address)
	if err != nil {
		return fmt.Errorf("RestServer: listen %s: %v", server.address, err)
	}
	server.listener = listener
	server.server = &http.Server{Handler: server.Handler()}
	server.wg.Add(1)
	go func() {
		defer server.wg.Done()
		restLog.Infof("listening on %s", listener.Addr())
		if err := server.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			restLog.Error(err)
		}
	}()
	return nil
}

// The actual address, useful w/ port 0:
func (server *RestServer) Addr() string {
	if server.listener == nil {
		return server.address
	}
	return server.listener.Addr().String()
}

func (server *RestServer) Shutdown() {
	if server.server == nil {
		return
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), server.shutdownTimeout)
	defer cancelFn()
	if err := server.server.Shutdown(ctx); err != nil {
		restLog.Warnf("shutdown: %v", err)
	}
	server.wg.Wait()
	restLog.Info("REST server stopped")
}

func httpStatusOf(status Status) int {
	switch status {
	case STATUS_SUCCESS:
		return http.StatusOK
	case STATUS_INVALID_PARAMETER:
		return http.StatusBadRequest
	case STATUS_RESOURCE_UNAVAILABLE:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (server *RestServer) writeStatus(w http.ResponseWriter, httpStatus int, status Status, asicId string) {
	buf := &bytes.Buffer{}
	if err := server.encoder.EncodeStatus(status, asicId, buf); err != nil {
		restLog.Warnf("encode status: %v", err)
	}
	w.Header().Set("Content-Type", REST_CONTENT_TYPE)
	w.WriteHeader(httpStatus)
	w.Write(buf.Bytes())
}

func (server *RestServer) writeJson(w http.ResponseWriter, v any) {
	data, err := server.api.Marshal(v)
	if err != nil {
		restLog.Warnf("marshal: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", REST_CONTENT_TYPE)
	w.Write(data)
}

func (server *RestServer) handleBst(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	method := strings.TrimPrefix(r.URL.Path, REST_BST_PATH_PREFIX)

	body, err := io.ReadAll(io.LimitReader(r.Body, server.maxRequestSize))
	if err != nil {
		restLog.Warnf("%s: read body: %v", r.URL.Path, err)
		server.writeStatus(w, http.StatusBadRequest, STATUS_INVALID_PARAMETER, "")
		return
	}
	rpcReq := &restRequest{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err = server.api.Unmarshal(body, rpcReq); err != nil {
			restLog.Warnf("%s: decode: %v", r.URL.Path, err)
			server.writeStatus(w, http.StatusBadRequest, STATUS_INVALID_PARAMETER, "")
			return
		}
	}
	if rpcReq.Method != "" && rpcReq.Method != method {
		restLog.Warnf("%s: method mismatch %q", r.URL.Path, rpcReq.Method)
		server.writeStatus(w, http.StatusBadRequest, STATUS_INVALID_PARAMETER, rpcReq.AsicId)
		return
	}

	req, err := server.buildRequest(method, rpcReq)
	if err != nil {
		restLog.Warnf("%s: %v", r.URL.Path, err)
		status := StatusOf(err)
		if status == STATUS_FAILURE {
			status = STATUS_INVALID_PARAMETER
		}
		server.writeStatus(w, httpStatusOf(status), status, rpcReq.AsicId)
		return
	}

	reply, err := server.Call(r.Context(), req)
	if err != nil {
		restLog.Warnf("%s: %v", r.URL.Path, err)
		if errors.Cause(err) == ErrRestReplyTimeout {
			server.writeStatus(w, http.StatusGatewayTimeout, STATUS_FAILURE, req.AsicId)
		} else {
			server.writeStatus(w, http.StatusServiceUnavailable, STATUS_RESOURCE_UNAVAILABLE, req.AsicId)
		}
		return
	}
	if reply.Data == nil {
		asicId := reply.AsicId
		if asicId == "" {
			asicId = req.AsicId
		}
		server.writeStatus(w, httpStatusOf(reply.Status), reply.Status, asicId)
		return
	}
	w.Header().Set("Content-Type", REST_CONTENT_TYPE)
	w.Write(reply.Data)
}

// Submit the request and wait for its reply, bounded by the reply timeout.
func (server *RestServer) Call(ctx context.Context, req *Request) (*Reply, error) {
	req.Cookie = Cookie(uuid.NewString())
	req.ReportKind = REPORT_KIND_ON_DEMAND
	replyChan := server.router.Register(req.Cookie)
	if err := server.agent.SubmitRequest(req); err != nil {
		server.router.Unregister(req.Cookie)
		return nil, err
	}

	timer := time.NewTimer(server.replyTimeout)
	defer timer.Stop()
	select {
	case reply := <-replyChan:
		return reply, nil
	case <-timer.C:
		server.router.Unregister(req.Cookie)
		return nil, errors.Wrapf(ErrRestReplyTimeout, "%s cookie %s", req.Command, req.Cookie)
	case <-ctx.Done():
		server.router.Unregister(req.Cookie)
		return nil, ctx.Err()
	}
}

func flag01(v *int, dst *bool) error {
	if v == nil {
		return nil
	}
	switch *v {
	case 0:
		*dst = false
	case 1:
		*dst = true
	default:
		return errors.Wrapf(STATUS_INVALID_PARAMETER, "flag value %d not 0/1", *v)
	}
	return nil
}

func seconds(v *int64, dst *time.Duration) {
	if v != nil {
		*dst = time.Duration(*v) * time.Second
	}
}

func (server *RestServer) buildRequest(method string, rpcReq *restRequest) (*Request, error) {
	cmd, ok := CommandByName(method)
	if !ok || cmd == COMMAND_TRIGGER_REPORT {
		return nil, errors.Wrapf(STATUS_INVALID_PARAMETER, "unknown method %q", method)
	}
	asicId := rpcReq.AsicId
	if asicId == "" {
		asicId = AsicIdForUnit(0)
	}
	unit, err := UnitForAsicId(asicId)
	if err != nil {
		return nil, err
	}
	req := &Request{
		Unit:    unit,
		Command: cmd,
		AsicId:  asicId,
	}
	params := rpcReq.Params
	if len(params) == 0 {
		params = jsoniter.RawMessage("{}")
	}

	switch cmd {
	case COMMAND_SET_FEATURE:
		// Unspecified params keep their current value:
		feature, _, err := server.agent.UnitSettings(unit)
		if err != nil {
			return nil, err
		}
		featureParams := &restFeatureParams{}
		if err = server.api.Unmarshal(params, featureParams); err != nil {
			return nil, errors.Wrap(STATUS_INVALID_PARAMETER, err.Error())
		}
		for _, f := range []struct {
			v   *int
			dst *bool
		}{
			{featureParams.BstEnable, &feature.BstEnable},
			{featureParams.SendAsyncReports, &feature.SendAsyncReports},
			{featureParams.StatUnitsInCells, &feature.StatUnitsInCells},
			{featureParams.SendSnapshotOnTrigger, &feature.SendSnapshotOnTrigger},
			{featureParams.TriggerRateLimit, &feature.TriggerRateLimit},
		} {
			if err = flag01(f.v, f.dst); err != nil {
				return nil, err
			}
		}
		seconds(featureParams.CollectionInterval, &feature.CollectionInterval)
		seconds(featureParams.TriggerRateLimitInterval, &feature.TriggerRateLimitInterval)
		req.Feature = feature
	case COMMAND_SET_TRACK:
		_, track, err := server.agent.UnitSettings(unit)
		if err != nil {
			return nil, err
		}
		trackParams := make(map[string]int)
		if err = server.api.Unmarshal(params, &trackParams); err != nil {
			return nil, errors.Wrap(STATUS_INVALID_PARAMETER, err.Error())
		}
		for name, v := range trackParams {
			v := v
			if name == "track-peak-stats" {
				err = flag01(&v, &track.TrackPeakStats)
			} else if realm, ok := RealmByName(strings.TrimPrefix(name, "track-")); ok {
				err = flag01(&v, &track.Realms[realm])
			} else {
				err = errors.Wrapf(STATUS_INVALID_PARAMETER, "unknown param %q", name)
			}
			if err != nil {
				return nil, err
			}
		}
		req.Track = track
	case COMMAND_SET_THRESHOLD:
		if req.Thresholds, err = server.buildThresholds(unit, params); err != nil {
			return nil, err
		}
	case COMMAND_GET_REPORT, COMMAND_GET_THRESHOLD:
		includeParams := make(map[string]int)
		if err = server.api.Unmarshal(params, &includeParams); err != nil {
			return nil, errors.Wrap(STATUS_INVALID_PARAMETER, err.Error())
		}
		if len(includeParams) > 0 {
			req.Collect = &asic.RealmMask{}
			for name, v := range includeParams {
				v := v
				realm, ok := RealmByName(strings.TrimPrefix(name, "include-"))
				if !ok {
					return nil, errors.Wrapf(STATUS_INVALID_PARAMETER, "unknown param %q", name)
				}
				if err = flag01(&v, &req.Collect[realm]); err != nil {
					return nil, err
				}
			}
		}
	}
	return req, nil
}

// Convert the thresholds to flat, cell based, settings:
func (server *RestServer) buildThresholds(unit int, params jsoniter.RawMessage) ([]*ThresholdSetting, error) {
	thresholdParams := &restThresholdParams{}
	if err := server.api.Unmarshal(params, thresholdParams); err != nil {
		return nil, errors.Wrap(STATUS_INVALID_PARAMETER, err.Error())
	}
	thresholds := thresholdParams.Thresholds
	if thresholdParams.Realm != "" {
		thresholds = append(thresholds, &restThreshold{
			Realm:     thresholdParams.Realm,
			Port:      thresholdParams.Port,
			Index:     thresholdParams.Index,
			Threshold: thresholdParams.Threshold,
		})
	}
	if len(thresholds) == 0 {
		return nil, errors.Wrap(STATUS_INVALID_PARAMETER, "no thresholds")
	}

	caps, err := server.agent.Capabilities(unit)
	if err != nil {
		return nil, err
	}
	feature, _, err := server.agent.UnitSettings(unit)
	if err != nil {
		return nil, err
	}

	settings := make([]*ThresholdSetting, 0, len(thresholds))
	for _, t := range thresholds {
		realm, ok := RealmByName(t.Realm)
		if !ok {
			return nil, errors.Wrapf(STATUS_INVALID_PARAMETER, "unknown realm %q", t.Realm)
		}
		rows, cols := caps.RealmDims(realm)
		index := t.Index
		if t.Port != nil {
			if cols == 1 || *t.Port < 0 || *t.Port >= rows || index < 0 || index >= cols {
				return nil, errors.Wrapf(
					STATUS_INVALID_PARAMETER, "realm %q: invalid port %d, index %d", t.Realm, *t.Port, index,
				)
			}
			index = *t.Port*cols + index
		}
		value := t.Threshold
		if !feature.StatUnitsInCells && value != asic.THRESHOLD_DISABLED {
			value = bytesToCells(value, caps.CellSize)
		}
		settings = append(settings, &ThresholdSetting{Realm: realm, Index: index, Value: value})
	}
	return settings, nil
}

// Round up, w/o overflowing near the top of the range:
func bytesToCells(value uint64, cellSize int) uint64 {
	if cellSize <= 0 {
		return value
	}
	cs := uint64(cellSize)
	cells := value / cs
	if value%cs != 0 {
		cells++
	}
	return cells
}

func (server *RestServer) handleSwitchProperties(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	numUnits := server.agent.NumUnits()
	asicIds := make([]string, numUnits)
	for unit := 0; unit < numUnits; unit++ {
		asicIds[unit] = AsicIdForUnit(unit)
	}
	server.writeJson(w, map[string]any{
		"jsonrpc": JSON_RPC_VERSION,
		"method":  REST_METHOD_SWITCH_PROPS,
		"result": map[string]any{
			"network-os":         utils.NetworkOs(),
			"uptime":             int64(utils.Uptime() / time.Second),
			"number-of-asics":    numUnits,
			"asic-id-list":       asicIds,
			"supported-features": []string{REST_SUPPORTED_FEATURE_BST},
		},
	})
}

func (server *RestServer) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats := map[string]any{
		"agent":           server.agent.Stats().SnapMap(),
		"pending_replies": server.router.Pending(),
	}
	if worker := server.agent.Worker(); worker != nil {
		stats["worker_state"] = workerStateMap[worker.State()]
	}
	if pool := server.statsSources.CollectorPool; pool != nil {
		snap := pool.SnapStats(nil)
		collectorStats := StatsToMap(snap.Total(), CollectorStatsNameMap)
		collectorStats["queue_full_count"] = snap.QueueFullCount
		stats["collector"] = collectorStats
	}
	if epPool := server.statsSources.HttpEndpointPool; epPool != nil {
		snap := epPool.SnapStats(nil)
		endpoints := make(map[string]map[string]uint64, len(snap.EndpointStats))
		for url, epStats := range snap.EndpointStats {
			endpoints[url] = StatsToMap(epStats, HttpEndpointStatsNameMap)
		}
		stats["http_endpoint_pool"] = map[string]any{
			"pool":      StatsToMap(snap.Stats, HttpEndpointPoolStatsNameMap),
			"endpoints": endpoints,
		}
	}
	if scheduler := server.statsSources.Scheduler; scheduler != nil {
		tasks := make(map[string]map[string]uint64)
		for id, taskStats := range scheduler.SnapStats(nil) {
			tasks[id] = StatsToMap(taskStats.Uint64Stats, TaskStatsNameMap)
		}
		stats["scheduler"] = tasks
	}
	server.writeJson(w, stats)
}
