package gossip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

// MsgType tags every record in a batch. The numeric values are part of the
// wire format.
type MsgType uint64

const (
	MsgJoin MsgType = iota
	MsgLeave
	MsgHeartbeat
	MsgJoinSuccess
	MsgFailure
	MsgAnnounce
)

func (t MsgType) String() string {
	switch t {
	case MsgJoin:
		return "join"
	case MsgLeave:
		return "leave"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgJoinSuccess:
		return "join_success"
	case MsgFailure:
		return "failure"
	case MsgAnnounce:
		return "announce"
	default:
		return "type(" + strconv.FormatUint(uint64(t), 10) + ")"
	}
}

const (
	// AddrWidth is the fixed, zero-padded width of the address field.
	AddrWidth = 32
	// RecordSize is the encoded size of one record.
	RecordSize = AddrWidth + 8 + 8
)

var (
	ErrShortBatch  = errors.New("gossip: batch is not a whole number of records")
	ErrAddrTooLong = errors.New("gossip: address exceeds record width")
)

// Record is one membership record on the wire: an address, the sender-side
// timestamp in unix milliseconds, and the message type.
type Record struct {
	Addr      string
	Timestamp int64
	Type      MsgType
}

// Encode concatenates records into one batch, big-endian.
func Encode(recs []Record) ([]byte, error) {
	buf := make([]byte, len(recs)*RecordSize)
	for i, r := range recs {
		if len(r.Addr) > AddrWidth {
			return nil, fmt.Errorf("%w: %q", ErrAddrTooLong, r.Addr)
		}
		b := buf[i*RecordSize : (i+1)*RecordSize]
		copy(b[:AddrWidth], r.Addr)
		binary.BigEndian.PutUint64(b[AddrWidth:], uint64(r.Timestamp))
		binary.BigEndian.PutUint64(b[AddrWidth+8:], uint64(r.Type))
	}
	return buf, nil
}

// Decode splits a batch back into records.
func Decode(buf []byte) ([]Record, error) {
	if len(buf) == 0 || len(buf)%RecordSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortBatch, len(buf))
	}
	recs := make([]Record, 0, len(buf)/RecordSize)
	for off := 0; off < len(buf); off += RecordSize {
		b := buf[off : off+RecordSize]
		addr := b[:AddrWidth]
		n := 0
		for n < AddrWidth && addr[n] != 0 {
			n++
		}
		recs = append(recs, Record{
			Addr:      string(addr[:n]),
			Timestamp: int64(binary.BigEndian.Uint64(b[AddrWidth:])),
			Type:      MsgType(binary.BigEndian.Uint64(b[AddrWidth+8:])),
		})
	}
	return recs, nil
}
