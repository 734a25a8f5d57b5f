package rpc

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/eth2030/kaddht/pkg/id"
	"github.com/eth2030/kaddht/pkg/kbucket"
	"github.com/eth2030/kaddht/pkg/log"
)

// Handler carries out the business logic behind each RPC kind. It is
// implemented by the top-level node type; the server's only job is wire
// decoding, identity extraction, and routing-table bookkeeping.
type Handler interface {
	HandlePing(ctx context.Context, caller kbucket.Contact)
	HandleStore(ctx context.Context, caller kbucket.Contact, key id.NID, data []byte, age time.Duration) bool
	HandleFindNode(ctx context.Context, caller kbucket.Contact, target id.NID) []kbucket.Contact
	HandleFindValue(ctx context.Context, caller kbucket.Contact, target id.NID) (data []byte, contacts []kbucket.Contact)
}

// Updater is the subset of RoutingTable the reception pipeline needs: every
// successfully-identified inbound request counts as a liveness observation
// of its caller.
type Updater interface {
	Update(ctx context.Context, c kbucket.Contact) error
}

// Server accepts inbound connections and runs the reception pipeline on
// each request: extract caller identity, reject self-dials, extract the
// caller's declared listening port, record the caller in the routing
// table, then dispatch to Handler.
type Server struct {
	self     id.NID
	updater  Updater
	handler  Handler
	listener Listener
	log      *log.Logger

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewServer builds a Server. self identifies this node so inbound requests
// that claim the local NID can be rejected as self-references.
func NewServer(self id.NID, updater Updater, handler Handler, listener Listener) *Server {
	return &Server{
		self:     self,
		updater:  updater,
		handler:  handler,
		listener: listener,
		log:      log.Default().Module("rpc.server"),
		quit:     make(chan struct{}),
	}
}

// Serve accepts connections until Close is called, running each on its own
// goroutine. It returns once the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Close stops accepting new connections and waits for in-flight requests to
// finish.
func (s *Server) Close() error {
	close(s.quit)
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) serveConn(conn ConnTransport) {
	defer conn.Close()
	for {
		msg, err := conn.ReadMsg()
		if err != nil {
			return
		}
		resp, protoErr := s.handle(context.Background(), conn, msg)
		if protoErr != nil {
			s.log.Debug("rejecting request", "err", protoErr)
			_ = conn.WriteMsg(Msg{Kind: KindProtocolError, Payload: []byte(protoErr.Error())})
			continue
		}
		if err := conn.WriteMsg(resp); err != nil {
			return
		}
	}
}

// handle runs the six-step reception pipeline and dispatches to Handler.
// The returned error, when non-nil, is a protocol-level rejection (the
// request never reaches Handler); it is not the same as an RPC returning a
// negative application result (e.g. find_value finding nothing).
func (s *Server) handle(ctx context.Context, conn ConnTransport, msg Msg) (Msg, error) {
	header, body, err := decodeReqHeader(msg.Payload)
	if err != nil {
		return Msg{}, fmt.Errorf("%w: %v", ErrMissingIdentity, err)
	}
	if header.CallerNID == s.self {
		return Msg{}, kbucket.ErrSelfReference
	}
	if !header.HasPort {
		return Msg{}, ErrMissingPort
	}

	contact, err := s.effectiveContact(conn, header)
	if err != nil {
		return Msg{}, err
	}

	if s.updater != nil {
		if err := s.updater.Update(ctx, contact); err != nil {
			s.log.Debug("routing table update failed", "peer", contact.NID, "err", err)
		}
	}

	switch msg.Kind {
	case KindPingReq:
		s.handler.HandlePing(ctx, contact)
		return s.respond(KindPingResp, nil), nil

	case KindStoreReq:
		key, data, ageSeconds, err := decodeStoreReq(body)
		if err != nil {
			return Msg{}, err
		}
		ok := s.handler.HandleStore(ctx, contact, key, data, time.Duration(ageSeconds)*time.Second)
		respBody := []byte{0}
		if ok {
			respBody[0] = 1
		}
		return s.respond(KindStoreResp, respBody), nil

	case KindFindNodeReq:
		target, err := decodeTargetReq(body)
		if err != nil {
			return Msg{}, err
		}
		contacts := s.handler.HandleFindNode(ctx, contact, target)
		return s.respond(KindFindNodeResp, encodeContacts(contacts)), nil

	case KindFindValueReq:
		target, err := decodeTargetReq(body)
		if err != nil {
			return Msg{}, err
		}
		data, contacts := s.handler.HandleFindValue(ctx, contact, target)
		return s.respond(KindFindValueResp, encodeFindValueResp(data, contacts)), nil

	default:
		return Msg{}, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, msg.Kind)
	}
}

func (s *Server) respond(kind byte, body []byte) Msg {
	payload := append(encodeRespHeader(respHeader{CalleeNID: s.self}), body...)
	return Msg{Kind: kind, Payload: payload}
}

// effectiveContact builds the contact the routing table should remember:
// the caller's declared NID, at an endpoint combining the observed source
// address's host with the caller's declared listening port (its source
// port is almost always ephemeral and unreachable for a future dial).
func (s *Server) effectiveContact(conn ConnTransport, header reqHeader) (kbucket.Contact, error) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr())
	if err != nil {
		host = conn.RemoteAddr()
	}
	endpoint := net.JoinHostPort(host, strconv.Itoa(int(header.Port)))
	return kbucket.Contact{NID: header.CallerNID, Endpoint: endpoint}, nil
}
