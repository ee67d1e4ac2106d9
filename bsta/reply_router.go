// Reply router: the Transport seen by the agent. Replies owed to API callers
// are routed by cookie to the waiting caller, everything else (periodic and
// trigger reports) goes to the report sink (collector).

package bsta

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrNoPendingReply = errors.New("no pending reply")
	ErrNoReportSink   = errors.New("no report sink")
)

// The async destination; implementations should copy data if they need it
// past the call:
type ReportSink interface {
	QueueReport(data []byte) error
}

type Reply struct {
	Status Status
	AsicId string
	// Encoded document, nil for status only replies:
	Data []byte
}

type ReplyRouter struct {
	pending *xsync.MapOf[Cookie, chan *Reply]
	sink    ReportSink
	encoder *JsonEncoder
}

var replyRouterLog = NewCompLogger("reply_router")

func NewReplyRouter(sink ReportSink, encoder *JsonEncoder) *ReplyRouter {
	if encoder == nil {
		encoder = NewJsonEncoder()
	}
	return &ReplyRouter{
		pending: xsync.NewMapOf[Cookie, chan *Reply](),
		sink:    sink,
		encoder: encoder,
	}
}

// Register a caller waiting for a reply. The returned channel receives at most
// one reply.
func (router *ReplyRouter) Register(cookie Cookie) <-chan *Reply {
	replyChan := make(chan *Reply, 1)
	router.pending.Store(cookie, replyChan)
	return replyChan
}

// Called by a caller giving up on the reply, e.g. on timeout:
func (router *ReplyRouter) Unregister(cookie Cookie) {
	router.pending.Delete(cookie)
}

func (router *ReplyRouter) Pending() int {
	return router.pending.Size()
}

func (router *ReplyRouter) deliver(cookie Cookie, reply *Reply) error {
	replyChan, ok := router.pending.LoadAndDelete(cookie)
	if !ok {
		return errors.Wrapf(ErrNoPendingReply, "cookie %q", cookie)
	}
	// Buffered and used once, it never blocks:
	replyChan <- reply
	return nil
}

func (router *ReplyRouter) Send(cookie Cookie, data []byte) error {
	if cookie == NO_COOKIE {
		if router.sink == nil {
			return ErrNoReportSink
		}
		return router.sink.QueueReport(data)
	}
	return router.deliver(cookie, &Reply{
		Status: STATUS_SUCCESS,
		Data:   bytes.Clone(data),
	})
}

func (router *ReplyRouter) SendError(cookie Cookie, status Status, asicId string) error {
	if cookie == NO_COOKIE {
		if router.sink == nil {
			return ErrNoReportSink
		}
		buf := &bytes.Buffer{}
		if err := router.encoder.EncodeStatus(status, asicId, buf); err != nil {
			return err
		}
		replyRouterLog.Debugf("asic-id %q: async error %s", asicId, status)
		return router.sink.QueueReport(buf.Bytes())
	}
	return router.deliver(cookie, &Reply{Status: status, AsicId: asicId})
}

func (router *ReplyRouter) SendOk(cookie Cookie) error {
	if cookie == NO_COOKIE {
		// Nobody to acknowledge:
		return nil
	}
	return router.deliver(cookie, &Reply{Status: STATUS_SUCCESS})
}
