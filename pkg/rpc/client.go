package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/eth2030/kaddht/pkg/id"
	"github.com/eth2030/kaddht/pkg/kbucket"
	"github.com/eth2030/kaddht/pkg/log"
	"github.com/eth2030/kaddht/pkg/metrics"
)

// DefaultCallTimeout bounds a single outbound RPC when the caller's context
// carries no deadline of its own.
const DefaultCallTimeout = 3 * time.Second

// Client issues outbound PING/STORE/FIND_NODE/FIND_VALUE calls. It dials a
// fresh connection per call; the protocol has no need for persistent
// peer connections since lookups fan out to a different peer set each
// round.
type Client struct {
	self     id.NID
	selfPort uint16
	dialer   Dialer
	log      *log.Logger
}

// NewClient builds a Client that identifies itself as (self, selfPort) on
// every outbound request.
func NewClient(self id.NID, selfPort uint16, dialer Dialer) *Client {
	return &Client{
		self:     self,
		selfPort: selfPort,
		dialer:   dialer,
		log:      log.Default().Module("rpc.client"),
	}
}

func callDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultCallTimeout)
}

// call dials endpoint, writes a framed request, and returns the framed
// response. If expected is non-zero, the response's callee NID must match
// it or the call fails with ErrIdentityMismatch; pass id.Zero to accept and
// learn whatever NID the peer claims (used the first time a node contacts a
// previously-unknown peer).
func (c *Client) call(ctx context.Context, endpoint string, expected id.NID, reqKind byte, reqBody []byte) (id.NID, []byte, error) {
	ctx, cancel := callDeadline(ctx)
	defer cancel()

	conn, err := c.dialer.Dial(endpoint)
	if err != nil {
		metrics.RPCErrors.Inc()
		return id.NID{}, nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer conn.Close()

	header := encodeReqHeader(reqHeader{CallerNID: c.self, Port: c.selfPort, HasPort: true})
	payload := append(header, reqBody...)

	type result struct {
		msg Msg
		err error
	}
	done := make(chan result, 1)
	go func() {
		if err := conn.WriteMsg(Msg{Kind: reqKind, Payload: payload}); err != nil {
			done <- result{err: err}
			return
		}
		msg, err := conn.ReadMsg()
		done <- result{msg: msg, err: err}
	}()

	start := time.Now()
	select {
	case <-ctx.Done():
		metrics.RPCErrors.Inc()
		return id.NID{}, nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case r := <-done:
		metrics.RPCLatency.Observe(float64(time.Since(start).Milliseconds()))
		if r.err != nil {
			metrics.RPCErrors.Inc()
			return id.NID{}, nil, fmt.Errorf("%w: %v", ErrUnreachable, r.err)
		}
		if r.msg.Kind == KindProtocolError {
			metrics.RPCErrors.Inc()
			return id.NID{}, nil, fmt.Errorf("%w: %s", ErrRemoteError, string(r.msg.Payload))
		}
		rh, body, err := decodeRespHeader(r.msg.Payload)
		if err != nil {
			metrics.RPCErrors.Inc()
			return id.NID{}, nil, err
		}
		if expected != (id.NID{}) && rh.CalleeNID != expected {
			metrics.RPCErrors.Inc()
			return id.NID{}, nil, fmt.Errorf("%w: expected %s, got %s", ErrIdentityMismatch, id.ToHex(expected), id.ToHex(rh.CalleeNID))
		}
		return rh.CalleeNID, body, nil
	}
}

// Ping implements kbucket.Pinger: a liveness probe that reports only
// whether the peer answered, swallowing the specific error.
func (c *Client) Ping(ctx context.Context, contact kbucket.Contact) bool {
	metrics.RPCPings.Inc()
	_, _, err := c.call(ctx, contact.Endpoint, contact.NID, KindPingReq, nil)
	return err == nil
}

// Identify pings endpoint with no expected identity and returns whatever
// NID the peer claims, for learning the identity of a freshly-added peer
// that was only ever known by address.
func (c *Client) Identify(ctx context.Context, endpoint string) (id.NID, error) {
	metrics.RPCPings.Inc()
	nid, _, err := c.call(ctx, endpoint, id.NID{}, KindPingReq, nil)
	return nid, err
}

// Store asks contact to hold data under nid for approximately age (the
// originator's view of how long the value has already existed, used to
// seed the receiving node's own expiry clock). Returns whether the peer
// accepted it.
func (c *Client) Store(ctx context.Context, contact kbucket.Contact, nid id.NID, data []byte, age time.Duration) (bool, error) {
	metrics.RPCStores.Inc()
	body := encodeStoreReq(nid, data, uint64(age.Seconds()))
	_, resp, err := c.call(ctx, contact.Endpoint, contact.NID, KindStoreReq, body)
	if err != nil {
		return false, err
	}
	if len(resp) < 1 {
		return false, fmt.Errorf("%w: store response truncated", ErrInvalidEncoding)
	}
	return resp[0] != 0, nil
}

// FindNode asks contact for its closest known contacts to target.
func (c *Client) FindNode(ctx context.Context, contact kbucket.Contact, target id.NID) ([]kbucket.Contact, error) {
	metrics.RPCFindNodes.Inc()
	_, resp, err := c.call(ctx, contact.Endpoint, contact.NID, KindFindNodeReq, target[:])
	if err != nil {
		return nil, err
	}
	contacts, _, err := decodeContacts(resp)
	return contacts, err
}

// FindValue asks contact for the value stored under target; if it does not
// hold the value, it instead returns its closest known contacts to target,
// mirroring FindNode.
func (c *Client) FindValue(ctx context.Context, contact kbucket.Contact, target id.NID) (data []byte, contacts []kbucket.Contact, err error) {
	metrics.RPCFindValues.Inc()
	_, resp, err := c.call(ctx, contact.Endpoint, contact.NID, KindFindValueReq, target[:])
	if err != nil {
		return nil, nil, err
	}
	return decodeFindValueResp(resp)
}
