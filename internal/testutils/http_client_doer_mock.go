// HttpClientDoer interface for testing.

package testutils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

var ErrHttpClientDoerMockCancelled = errors.New("HttpClientDoerMock cancelled")
var ErrHttpClientDoerMockPlayback = errors.New("HttpClientDoerMock playback error")

// The request <-> response mapping is keyed by URL and it consists of a pair of
// channels of length 1.
type HttpClientDoerMockRespErr struct {
	Response *http.Response
	Error    error
}

type HttpClientDoerMockChannels struct {
	req     chan *HttpClientDoerMockReq
	respErr chan *HttpClientDoerMockRespErr
}

// The request body is read by the mock, since the caller may reuse the
// underlying buffer once Do returns:
type HttpClientDoerMockReq struct {
	Request *http.Request
	Body    []byte
}

type HttpClientDoerMock struct {
	channels map[string]*HttpClientDoerMockChannels
	ctx      context.Context
	cancelFn context.CancelFunc
	mu       *sync.Mutex
	wg       *sync.WaitGroup
}

type HttpClientDoerPlaybookRespErr struct {
	Url string
	HttpClientDoerMockRespErr
}

type HttpClientDoerPlaybookReq struct {
	Url string
	HttpClientDoerMockReq
}

type HttpClientDoerPlaybook struct {
	// The requests made by the doers, in the order they were received:
	Reqs []*HttpClientDoerPlaybookReq
	// The responses:
	RespErrs []*HttpClientDoerPlaybookRespErr
}

func NewHttpClientDoerMock(timeout time.Duration) *HttpClientDoerMock {
	mock := &HttpClientDoerMock{
		channels: make(map[string]*HttpClientDoerMockChannels, 0),
		mu:       &sync.Mutex{},
		wg:       &sync.WaitGroup{},
	}
	if timeout > 0 {
		mock.ctx, mock.cancelFn = context.WithTimeout(context.Background(), timeout)
	} else {
		mock.ctx, mock.cancelFn = context.WithCancel(context.Background())
	}
	return mock
}

func (mock *HttpClientDoerMock) Cancel() {
	mock.cancelFn()
	mock.wg.Wait()
}

func (mock *HttpClientDoerMock) getChannels(url string) *HttpClientDoerMockChannels {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	channels := mock.channels[url]
	if channels == nil {
		channels = &HttpClientDoerMockChannels{
			req:     make(chan *HttpClientDoerMockReq, 1),
			respErr: make(chan *HttpClientDoerMockRespErr, 1),
		}
		mock.channels[url] = channels
	}
	return channels
}

func (mock *HttpClientDoerMock) Do(req *http.Request) (*http.Response, error) {
	mock.wg.Add(1)
	defer mock.wg.Done()
	url := req.URL.String()
	channels := mock.getChannels(url)
	cancelErr := fmt.Errorf("%s %q: %w", req.Method, url, ErrHttpClientDoerMockCancelled)

	mockReq := &HttpClientDoerMockReq{Request: req}
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		mockReq.Body = body
	}

	select {
	case <-mock.ctx.Done():
		return nil, cancelErr
	case channels.req <- mockReq:
	}

	select {
	case <-mock.ctx.Done():
		return nil, cancelErr
	case respErr := <-channels.respErr:
		resp := respErr.Response
		if resp != nil {
			newResp := *resp
			newResp.Request = req
			if newResp.Body == nil {
				newResp.Body = io.NopCloser(&bytes.Buffer{})
			}
			resp = &newResp
		}
		return resp, respErr.Error
	}
}

func (mock *HttpClientDoerMock) GetRequest(url string) (*HttpClientDoerMockReq, error) {
	mock.wg.Add(1)
	defer mock.wg.Done()
	channels := mock.getChannels(url)
	select {
	case <-mock.ctx.Done():
		return nil, fmt.Errorf("get req for %q: %w", url, ErrHttpClientDoerMockCancelled)
	case req := <-channels.req:
		return req, nil
	}
}

func (mock *HttpClientDoerMock) SendResponse(url string, resp *http.Response, err error) error {
	mock.wg.Add(1)
	defer mock.wg.Done()
	channels := mock.getChannels(url)
	select {
	case <-mock.ctx.Done():
		return fmt.Errorf("send resp to %q: %w", url, ErrHttpClientDoerMockCancelled)
	case channels.respErr <- &HttpClientDoerMockRespErr{resp, err}:
		return nil
	}
}

func (mock *HttpClientDoerMock) CloseIdleConnections() {}

// Play the responses in order, recording the requests:
func (mock *HttpClientDoerMock) Play(playbook *HttpClientDoerPlaybook) error {
	var err error
	for _, urlRespErr := range playbook.RespErrs {
		url := urlRespErr.Url
		var req *HttpClientDoerMockReq
		req, err = mock.GetRequest(url)
		if err != nil {
			break
		}
		err = mock.SendResponse(url, urlRespErr.Response, urlRespErr.Error)
		if err != nil {
			break
		}
		playbook.Reqs = append(playbook.Reqs, &HttpClientDoerPlaybookReq{Url: url, HttpClientDoerMockReq: *req})
	}

	if err != nil {
		err = fmt.Errorf("%w: %w", ErrHttpClientDoerMockPlayback, err)
	}
	return err
}
