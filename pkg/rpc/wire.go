package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/eth2030/kaddht/pkg/id"
	"github.com/eth2030/kaddht/pkg/kbucket"
)

// Message kinds, analogous to the devp2p base-protocol codes this
// protocol's transport framing is modeled on.
const (
	KindPingReq       byte = 0x01
	KindPingResp      byte = 0x02
	KindStoreReq      byte = 0x03
	KindStoreResp     byte = 0x04
	KindFindNodeReq   byte = 0x05
	KindFindNodeResp  byte = 0x06
	KindFindValueReq  byte = 0x07
	KindFindValueResp byte = 0x08
	// KindProtocolError carries a server-side rejection of the request
	// itself (MissingIdentity, MissingPort) rather than an RPC-level
	// result.
	KindProtocolError byte = 0x7F
)

// ErrInvalidEncoding is returned when a message cannot be decoded.
var ErrInvalidEncoding = errors.New("rpc: invalid encoding")

// reqHeader carries the two handshake headers every request must attach:
// the caller's NID and its declared listening port.
type reqHeader struct {
	CallerNID id.NID
	Port      uint16
	HasPort   bool
}

func encodeReqHeader(h reqHeader) []byte {
	buf := make([]byte, id.Len+1, id.Len+3)
	copy(buf, h.CallerNID[:])
	if h.HasPort {
		buf[id.Len] = 1
		var p [2]byte
		binary.BigEndian.PutUint16(p[:], h.Port)
		buf = append(buf, p[:]...)
	}
	return buf
}

func decodeReqHeader(data []byte) (reqHeader, []byte, error) {
	if len(data) < id.Len+1 {
		return reqHeader{}, nil, fmt.Errorf("%w: request header truncated", ErrInvalidEncoding)
	}
	var h reqHeader
	copy(h.CallerNID[:], data[:id.Len])
	off := id.Len
	h.HasPort = data[off] != 0
	off++
	if h.HasPort {
		if len(data) < off+2 {
			return reqHeader{}, nil, fmt.Errorf("%w: request header truncated at port", ErrInvalidEncoding)
		}
		h.Port = binary.BigEndian.Uint16(data[off : off+2])
		off += 2
	}
	return h, data[off:], nil
}

// respHeader carries the single response header: the callee's NID.
type respHeader struct {
	CalleeNID id.NID
}

func encodeRespHeader(h respHeader) []byte {
	buf := make([]byte, id.Len)
	copy(buf, h.CalleeNID[:])
	return buf
}

func decodeRespHeader(data []byte) (respHeader, []byte, error) {
	if len(data) < id.Len {
		return respHeader{}, nil, fmt.Errorf("%w: response header truncated", ErrInvalidEncoding)
	}
	var h respHeader
	copy(h.CalleeNID[:], data[:id.Len])
	return h, data[id.Len:], nil
}

func encodeContacts(contacts []kbucket.Contact) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(len(contacts)))
	for _, c := range contacts {
		buf = append(buf, c.NID[:]...)
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(c.Endpoint)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, c.Endpoint...)
	}
	return buf
}

func decodeContacts(data []byte) ([]kbucket.Contact, []byte, error) {
	if len(data) < 2 {
		return nil, nil, fmt.Errorf("%w: contact list truncated", ErrInvalidEncoding)
	}
	n := int(binary.BigEndian.Uint16(data))
	off := 2
	out := make([]kbucket.Contact, 0, n)
	for i := 0; i < n; i++ {
		if len(data) < off+id.Len+2 {
			return nil, nil, fmt.Errorf("%w: contact %d truncated", ErrInvalidEncoding, i)
		}
		var c kbucket.Contact
		copy(c.NID[:], data[off:off+id.Len])
		off += id.Len
		epLen := int(binary.BigEndian.Uint16(data[off : off+2]))
		off += 2
		if len(data) < off+epLen {
			return nil, nil, fmt.Errorf("%w: contact %d endpoint truncated", ErrInvalidEncoding, i)
		}
		c.Endpoint = string(data[off : off+epLen])
		off += epLen
		out = append(out, c)
	}
	return out, data[off:], nil
}

func encodeStoreReq(key id.NID, data []byte, ageSeconds uint64) []byte {
	buf := make([]byte, id.Len+8+4, id.Len+8+4+len(data))
	copy(buf, key[:])
	binary.BigEndian.PutUint64(buf[id.Len:], ageSeconds)
	binary.BigEndian.PutUint32(buf[id.Len+8:], uint32(len(data)))
	return append(buf, data...)
}

func decodeStoreReq(body []byte) (key id.NID, data []byte, ageSeconds uint64, err error) {
	if len(body) < id.Len+12 {
		return id.NID{}, nil, 0, fmt.Errorf("%w: store request truncated", ErrInvalidEncoding)
	}
	copy(key[:], body[:id.Len])
	off := id.Len
	ageSeconds = binary.BigEndian.Uint64(body[off : off+8])
	off += 8
	n := int(binary.BigEndian.Uint32(body[off : off+4]))
	off += 4
	if len(body) < off+n {
		return id.NID{}, nil, 0, fmt.Errorf("%w: store request payload truncated", ErrInvalidEncoding)
	}
	data = append([]byte(nil), body[off:off+n]...)
	return key, data, ageSeconds, nil
}

func decodeTargetReq(body []byte) (id.NID, error) {
	if len(body) < id.Len {
		return id.NID{}, fmt.Errorf("%w: target request truncated", ErrInvalidEncoding)
	}
	var target id.NID
	copy(target[:], body[:id.Len])
	return target, nil
}

// encodeFindValueResp encodes either a found value or a not-found contact list.
func encodeFindValueResp(data []byte, contacts []kbucket.Contact) []byte {
	if data != nil {
		buf := make([]byte, 1+4, 5+len(data))
		buf[0] = 1
		binary.BigEndian.PutUint32(buf[1:5], uint32(len(data)))
		return append(buf, data...)
	}
	buf := []byte{0}
	return append(buf, encodeContacts(contacts)...)
}

func decodeFindValueResp(body []byte) (data []byte, contacts []kbucket.Contact, err error) {
	if len(body) < 1 {
		return nil, nil, fmt.Errorf("%w: find_value response truncated", ErrInvalidEncoding)
	}
	if body[0] == 1 {
		if len(body) < 5 {
			return nil, nil, fmt.Errorf("%w: find_value response length truncated", ErrInvalidEncoding)
		}
		n := int(binary.BigEndian.Uint32(body[1:5]))
		if len(body) < 5+n {
			return nil, nil, fmt.Errorf("%w: find_value response payload truncated", ErrInvalidEncoding)
		}
		return append([]byte(nil), body[5:5+n]...), nil, nil
	}
	contacts, _, err = decodeContacts(body[1:])
	return nil, contacts, err
}
