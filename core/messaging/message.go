// Package messaging implements the arbiter channel: the vote traffic
// that drives distributed commit. Participants acknowledge prepared
// transactions with READY or reject them with ABORTED; every message
// piggybacks the sender's clock, masks and snapshot horizon.
package messaging

import (
	"encoding/binary"
	"fmt"

	"github.com/Charles-Schleich/postgres-cluster/core/cluster"
	"github.com/Charles-Schleich/postgres-cluster/core/csn"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

// voteMagic guards against a stray client connecting to the arbiter
// port.
const voteMagic = 0xD2C1

// VoteMessage is the fixed-size arbiter payload.
type VoteMessage struct {
	Code             txstate.MsgCode
	Node             txstate.NodeID // sender
	DstXID           txstate.XID    // transaction id on the receiving node
	SrcXID           txstate.XID    // transaction id on the sending node
	CSN              csn.CSN        // sender clock reading
	DisabledMask     cluster.Mask
	ConnectivityMask cluster.Mask
	OldestSnapshot   csn.CSN
}

// voteWireSize is the encoded size: magic(2) code(1) node(1) then six
// 8-byte fields.
const voteWireSize = 2 + 1 + 1 + 6*8

// Encode serializes the message into a fresh buffer.
func (m VoteMessage) Encode() []byte {
	buf := make([]byte, voteWireSize)
	binary.BigEndian.PutUint16(buf[0:2], voteMagic)
	buf[2] = byte(m.Code)
	buf[3] = byte(m.Node)
	binary.BigEndian.PutUint64(buf[4:12], uint64(m.DstXID))
	binary.BigEndian.PutUint64(buf[12:20], uint64(m.SrcXID))
	binary.BigEndian.PutUint64(buf[20:28], uint64(m.CSN))
	binary.BigEndian.PutUint64(buf[28:36], uint64(m.DisabledMask))
	binary.BigEndian.PutUint64(buf[36:44], uint64(m.ConnectivityMask))
	binary.BigEndian.PutUint64(buf[44:52], uint64(m.OldestSnapshot))
	return buf
}

// DecodeVote parses a message encoded by Encode.
func DecodeVote(data []byte) (VoteMessage, error) {
	if len(data) != voteWireSize {
		return VoteMessage{}, fmt.Errorf("messaging: vote message is %d bytes, want %d", len(data), voteWireSize)
	}
	if binary.BigEndian.Uint16(data[0:2]) != voteMagic {
		return VoteMessage{}, fmt.Errorf("messaging: bad vote magic")
	}
	return VoteMessage{
		Code:             txstate.MsgCode(data[2]),
		Node:             txstate.NodeID(data[3]),
		DstXID:           txstate.XID(binary.BigEndian.Uint64(data[4:12])),
		SrcXID:           txstate.XID(binary.BigEndian.Uint64(data[12:20])),
		CSN:              csn.CSN(binary.BigEndian.Uint64(data[20:28])),
		DisabledMask:     cluster.Mask(binary.BigEndian.Uint64(data[28:36])),
		ConnectivityMask: cluster.Mask(binary.BigEndian.Uint64(data[36:44])),
		OldestSnapshot:   csn.CSN(binary.BigEndian.Uint64(data[44:52])),
	}, nil
}
