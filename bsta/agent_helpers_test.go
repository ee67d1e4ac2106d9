// Fakes shared by the agent tests.

package bsta

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eparparita/bst-telemetry-agent/asic"
	"github.com/pkg/errors"
)

const (
	TEST_AGENT_WAIT_TIMEOUT = 2 * time.Second
	// How long to wait before concluding that nothing is coming:
	TEST_AGENT_QUIET_TIMEOUT = 100 * time.Millisecond
)

func testAgentCapabilities() *asic.Capabilities {
	return &asic.Capabilities{
		NumPorts:              2,
		NumUnicastQueues:      4,
		NumUnicastQueueGroups: 2,
		NumMulticastQueues:    2,
		NumServicePools:       2,
		NumCommonPools:        1,
		NumCpuQueues:          1,
		NumRqeQueues:          1,
		NumPriorityGroups:     2,
		CellSize:              100,
	}
}

func testSimDriver(numUnits int) *asic.SimDriver {
	return asic.NewSimDriver(&asic.SimDriverConfig{
		NumUnits:     numUnits,
		Capabilities: testAgentCapabilities(),
	})
}

// Sim driver whose ApplyMode may be made to fail:
type testModeFailDriver struct {
	*asic.SimDriver
	failMode atomic.Bool
}

var errTestApplyMode = errors.New("apply mode failure")

func (driver *testModeFailDriver) ApplyMode(unit int, mode *asic.Mode) error {
	if driver.failMode.Load() {
		return errTestApplyMode
	}
	return driver.SimDriver.ApplyMode(unit, mode)
}

// What the encoder saw; the snapshots are cloned since they are valid only
// during the encode call:
type encodedResponse struct {
	resp   Response
	active *Snapshot
	backup *Snapshot
}

type testEncoder struct {
	encoded []*encodedResponse
	err     error
	mu      *sync.Mutex
}

func newTestEncoder() *testEncoder {
	return &testEncoder{mu: &sync.Mutex{}}
}

func (enc *testEncoder) Encode(resp *Response, buf *bytes.Buffer) error {
	enc.mu.Lock()
	defer enc.mu.Unlock()
	if enc.err != nil {
		return enc.err
	}
	encoded := &encodedResponse{resp: *resp}
	if resp.Report != nil {
		encoded.active = resp.Report.Active.Clone()
		encoded.backup = resp.Report.Backup.Clone()
	}
	enc.encoded = append(enc.encoded, encoded)
	fmt.Fprintf(buf, "%s:%d", resp.Command, resp.Unit)
	return nil
}

func (enc *testEncoder) setErr(err error) {
	enc.mu.Lock()
	enc.err = err
	enc.mu.Unlock()
}

func (enc *testEncoder) count() int {
	enc.mu.Lock()
	defer enc.mu.Unlock()
	return len(enc.encoded)
}

func (enc *testEncoder) get(i int) *encodedResponse {
	enc.mu.Lock()
	defer enc.mu.Unlock()
	if i < 0 || i >= len(enc.encoded) {
		return nil
	}
	return enc.encoded[i]
}

const (
	TRANSPORT_EVENT_SEND = iota
	TRANSPORT_EVENT_ERROR
	TRANSPORT_EVENT_OK
)

var transportEventNameMap = map[int]string{
	TRANSPORT_EVENT_SEND:  "send",
	TRANSPORT_EVENT_ERROR: "error",
	TRANSPORT_EVENT_OK:    "ok",
}

type transportEvent struct {
	kind   int
	cookie Cookie
	status Status
	asicId string
	data   string
}

func (ev *transportEvent) String() string {
	return fmt.Sprintf(
		"%s(cookie=%q, status=%s, asicId=%q, data=%q)",
		transportEventNameMap[ev.kind], ev.cookie, ev.status, ev.asicId, ev.data,
	)
}

type testTransport struct {
	events chan *transportEvent
}

func newTestTransport() *testTransport {
	return &testTransport{events: make(chan *transportEvent, 256)}
}

func (tr *testTransport) Send(cookie Cookie, data []byte) error {
	tr.events <- &transportEvent{kind: TRANSPORT_EVENT_SEND, cookie: cookie, status: STATUS_SUCCESS, data: string(data)}
	return nil
}

func (tr *testTransport) SendError(cookie Cookie, status Status, asicId string) error {
	tr.events <- &transportEvent{kind: TRANSPORT_EVENT_ERROR, cookie: cookie, status: status, asicId: asicId}
	return nil
}

func (tr *testTransport) SendOk(cookie Cookie) error {
	tr.events <- &transportEvent{kind: TRANSPORT_EVENT_OK, cookie: cookie, status: STATUS_SUCCESS}
	return nil
}

// Wait for the next event, nil on timeout:
func (tr *testTransport) wait(timeout time.Duration) *transportEvent {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-tr.events:
		return ev
	case <-timer.C:
		return nil
	}
}

// Timers fired on demand by the test:
type testTimers struct {
	callbacks map[int]func(unit int)
	intervals map[int]time.Duration
	armCount  int
	mu        *sync.Mutex
}

func newTestTimers() *testTimers {
	return &testTimers{
		callbacks: make(map[int]func(unit int)),
		intervals: make(map[int]time.Duration),
		mu:        &sync.Mutex{},
	}
}

func (timers *testTimers) ArmPeriodic(unit int, interval time.Duration, cb func(unit int)) {
	timers.mu.Lock()
	defer timers.mu.Unlock()
	timers.callbacks[unit] = cb
	timers.intervals[unit] = interval
	timers.armCount++
}

func (timers *testTimers) Disarm(unit int) {
	timers.mu.Lock()
	defer timers.mu.Unlock()
	delete(timers.callbacks, unit)
	delete(timers.intervals, unit)
}

func (timers *testTimers) armed(unit int) (time.Duration, bool) {
	timers.mu.Lock()
	defer timers.mu.Unlock()
	interval, ok := timers.intervals[unit]
	return interval, ok
}

func (timers *testTimers) fire(unit int) bool {
	timers.mu.Lock()
	cb := timers.callbacks[unit]
	timers.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(unit)
	return true
}

type testAgentEnv struct {
	agent     *Agent
	driver    *asic.SimDriver
	encoder   *testEncoder
	transport *testTransport
	timers    *testTimers
}

func newTestAgentEnv(t *testing.T, numUnits int, unitCfg *UnitConfig) *testAgentEnv {
	env := &testAgentEnv{
		driver:    testSimDriver(numUnits),
		encoder:   newTestEncoder(),
		transport: newTestTransport(),
		timers:    newTestTimers(),
	}
	agentCfg := DefaultAgentConfig()
	if unitCfg != nil {
		agentCfg.UnitConfig = unitCfg
	}
	agent, err := NewAgent(agentCfg, &AgentDeps{
		Driver:    env.driver,
		Encoder:   env.encoder,
		Transport: env.transport,
		Timers:    env.timers,
	})
	if err != nil {
		t.Fatal(err)
	}
	env.agent = agent
	return env
}

func (env *testAgentEnv) submitAndWait(req *Request) (*transportEvent, error) {
	if err := env.agent.SubmitRequest(req); err != nil {
		return nil, err
	}
	ev := env.transport.wait(TEST_AGENT_WAIT_TIMEOUT)
	if ev == nil {
		return nil, fmt.Errorf("unit %d: %s: no reply after %s", req.Unit, req.Command, TEST_AGENT_WAIT_TIMEOUT)
	}
	return ev, nil
}

// Compare the sample against the expected sim values for the given read:
func checkSimSample(unit int, readNum uint64, realms *asic.RealmMask, sample *asic.Sample, errBuf *bytes.Buffer) {
	for realm := 0; realm < asic.REALM_COUNT; realm++ {
		for i, got := range sample.Values[realm] {
			want := uint64(0)
			if realms == nil || realms[realm] {
				want = asic.SimValue(unit, realm, i, readNum)
			}
			if want != got {
				fmt.Fprintf(
					errBuf, "\nunit %d read# %d %s[%d]: want: %d, got: %d",
					unit, readNum, asic.RealmNameMap[realm], i, want, got,
				)
				return
			}
		}
	}
}

func checkSamplesEqual(want, got *asic.Sample, name string, errBuf *bytes.Buffer) {
	if want == nil || got == nil {
		if want != got {
			fmt.Fprintf(errBuf, "\n%s: want: %v, got: %v", name, want, got)
		}
		return
	}
	for realm := 0; realm < asic.REALM_COUNT; realm++ {
		wantVals, gotVals := want.Values[realm], got.Values[realm]
		if len(wantVals) != len(gotVals) {
			fmt.Fprintf(
				errBuf, "\nlen(%s.%s): want: %d, got: %d",
				name, asic.RealmNameMap[realm], len(wantVals), len(gotVals),
			)
			continue
		}
		for i := range wantVals {
			if wantVals[i] != gotVals[i] {
				fmt.Fprintf(
					errBuf, "\n%s.%s[%d]: want: %d, got: %d",
					name, asic.RealmNameMap[realm], i, wantVals[i], gotVals[i],
				)
				break
			}
		}
	}
}
