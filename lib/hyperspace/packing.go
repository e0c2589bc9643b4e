package hyperspace

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Message types and return codes
// --------------------------------------------------------------------------

// MsgType identifies the messages the storage core sends through the messaging layer.
type MsgType uint8

const (
	RespSearchItem MsgType = iota + 1 // One search result
	RespSearchDone                    // The search is exhausted
	ReqGroupDel                       // Delete a key on behalf of a group operation
	RespGroupDel                      // Acknowledgement of a group operation
)

func (t MsgType) String() string {
	switch t {
	case RespSearchItem:
		return "RESP_SEARCH_ITEM"
	case RespSearchDone:
		return "RESP_SEARCH_DONE"
	case ReqGroupDel:
		return "REQ_GROUP_DEL"
	case RespGroupDel:
		return "RESP_GROUP_DEL"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// NetReturnCode is the status carried by responses to clients.
type NetReturnCode uint16

const (
	NetSuccess NetReturnCode = iota
	NetNotFound
	NetBadDimSpec
	NetNotUs
	NetServerError
)

func (c NetReturnCode) String() string {
	switch c {
	case NetSuccess:
		return "SUCCESS"
	case NetNotFound:
		return "NOTFOUND"
	case NetBadDimSpec:
		return "BADDIMSPEC"
	case NetNotUs:
		return "NOTUS"
	case NetServerError:
		return "SERVERERROR"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}

// --------------------------------------------------------------------------
// Packing
// --------------------------------------------------------------------------

var ErrShortMessage = errors.New("message too short")

// PackSearchItem serializes a search result with the format:
// 8 bytes nonce,
// 4 bytes key length + key,
// 4 bytes column count,
// per column 4 bytes length + data.
// All integers are big endian.
func PackSearchItem(nonce uint64, key []byte, value [][]byte) []byte {
	size := 8 + 4 + len(key) + 4
	for _, col := range value {
		size += 4 + len(col)
	}

	msg := make([]byte, 8, size)
	binary.BigEndian.PutUint64(msg, nonce)
	msg = appendBytes(msg, key)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(value)))
	for _, col := range value {
		msg = appendBytes(msg, col)
	}
	return msg
}

// UnpackSearchItem extracts the fields of a message created by PackSearchItem.
func UnpackSearchItem(msg []byte) (nonce uint64, key []byte, value [][]byte, err error) {
	if len(msg) < 8 {
		return 0, nil, nil, ErrShortMessage
	}
	nonce = binary.BigEndian.Uint64(msg)
	rest := msg[8:]

	if key, rest, err = readBytes(rest); err != nil {
		return 0, nil, nil, err
	}
	if len(rest) < 4 {
		return 0, nil, nil, ErrShortMessage
	}
	n := binary.BigEndian.Uint32(rest)
	rest = rest[4:]

	value = make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		var col []byte
		if col, rest, err = readBytes(rest); err != nil {
			return 0, nil, nil, err
		}
		value = append(value, col)
	}
	return nonce, key, value, nil
}

// PackSearchDone serializes the end of a search: 8 bytes nonce, 2 bytes return code.
func PackSearchDone(nonce uint64, code NetReturnCode) []byte {
	return packStatus(nonce, code)
}

func UnpackSearchDone(msg []byte) (uint64, NetReturnCode, error) {
	return unpackStatus(msg)
}

// PackGroupResponse serializes the acknowledgement of a group operation: 8 bytes nonce, 2 bytes return code.
func PackGroupResponse(nonce uint64, code NetReturnCode) []byte {
	return packStatus(nonce, code)
}

func UnpackGroupResponse(msg []byte) (uint64, NetReturnCode, error) {
	return unpackStatus(msg)
}

// PackGroupKeyop serializes a per key request forwarded by a group operation:
// 8 bytes nonce (always zero, nobody waits for the answer),
// 4 bytes key length + key,
// the remaining payload of the group operation.
func PackGroupKeyop(key, remain []byte) []byte {
	msg := make([]byte, 8, 8+4+len(key)+len(remain))
	msg = appendBytes(msg, key)
	return append(msg, remain...)
}

func UnpackGroupKeyop(msg []byte) (nonce uint64, key, remain []byte, err error) {
	if len(msg) < 8 {
		return 0, nil, nil, ErrShortMessage
	}
	nonce = binary.BigEndian.Uint64(msg)
	if key, remain, err = readBytes(msg[8:]); err != nil {
		return 0, nil, nil, err
	}
	return nonce, key, remain, nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func packStatus(nonce uint64, code NetReturnCode) []byte {
	msg := make([]byte, 10)
	binary.BigEndian.PutUint64(msg[0:8], nonce)
	binary.BigEndian.PutUint16(msg[8:10], uint16(code))
	return msg
}

func unpackStatus(msg []byte) (uint64, NetReturnCode, error) {
	if len(msg) < 10 {
		return 0, 0, ErrShortMessage
	}
	return binary.BigEndian.Uint64(msg[0:8]), NetReturnCode(binary.BigEndian.Uint16(msg[8:10])), nil
}

func appendBytes(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

func readBytes(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, ErrShortMessage
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(len(b)-4) < uint64(n) {
		return nil, nil, fmt.Errorf("%w: need %d bytes, have %d", ErrShortMessage, n, len(b)-4)
	}
	return b[4 : 4+n], b[4+n:], nil
}
