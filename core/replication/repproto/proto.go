// Package repproto defines the logical replication payloads exchanged
// between cluster nodes: transaction control messages (BEGIN/COMMIT
// kinds), relation metadata and row change events. Integers are
// network byte order; strings are length prefixed.
package repproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Charles-Schleich/postgres-cluster/core/csn"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

// Message kind tags, first byte of every payload.
const (
	TagBegin    = 'B'
	TagRelation = 'R'
	TagInsert   = 'I'
	TagUpdate   = 'U'
	TagDelete   = 'D'
	TagCommit   = 'C'
)

// CommitEvent distinguishes the commit-kind control messages.
type CommitEvent uint8

const (
	EventCommit CommitEvent = iota
	EventPrepare
	EventCommitPrepared
	EventAbortPrepared
	// EventSync carries no transaction: the sender advertises its log
	// end (and, during recovery, the caught-up marker) when no commit
	// traffic is flowing.
	EventSync
)

func (e CommitEvent) String() string {
	switch e {
	case EventCommit:
		return "COMMIT"
	case EventPrepare:
		return "PREPARE"
	case EventCommitPrepared:
		return "COMMIT_PREPARED"
	case EventAbortPrepared:
		return "ABORT_PREPARED"
	case EventSync:
		return "SYNC"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// Attribute transfer kinds inside a tuple.
const (
	AttrNull      = 'n' // null column, no payload
	AttrUnchanged = 'u' // unchanged toasted column, no payload
	AttrBinary    = 'b' // raw binary payload
	AttrSendRecv  = 's' // binary send/recv encoded payload
	AttrText      = 't' // text encoded payload
)

// Attr is one column of a replicated tuple.
type Attr struct {
	Kind byte
	Data []byte
}

// Tuple is a replicated row image.
type Tuple struct {
	Attrs []Attr
}

// Message is any replication payload.
type Message interface {
	encode(buf *bytes.Buffer) error
}

// Begin opens a replicated transaction. SnapshotCSN is invalid only
// for recovery sessions, where the receiver replays blindly.
type Begin struct {
	Node        txstate.NodeID
	XID         txstate.XID
	SnapshotCSN csn.CSN
}

// Relation announces the target table for subsequent row events.
type Relation struct {
	Schema string
	Name   string
}

// Insert carries a new row image.
type Insert struct {
	NewTuple Tuple
}

// Update carries the new row image and, when the replica identity key
// changed, the old key image.
type Update struct {
	OldKey   *Tuple
	NewTuple Tuple
}

// Delete carries the replica identity key of the removed row.
type Delete struct {
	OldKey Tuple
}

// Commit closes a replicated transaction. CSN is carried for
// COMMIT_PREPARED; GID for every prepared kind.
type Commit struct {
	Event      CommitEvent
	Origin     txstate.NodeID
	CaughtUp   bool
	CommitLSN  uint64
	EndLSN     uint64
	CommitTime int64
	CSN        csn.CSN
	GID        string
}

// Encode serializes a message with its kind tag.
func Encode(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := msg.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m Begin) encode(buf *bytes.Buffer) error {
	buf.WriteByte(TagBegin)
	writeU32(buf, uint32(m.Node))
	writeU64(buf, uint64(m.XID))
	writeU64(buf, uint64(m.SnapshotCSN))
	return nil
}

func (m Relation) encode(buf *bytes.Buffer) error {
	buf.WriteByte(TagRelation)
	if err := writeString(buf, m.Schema); err != nil {
		return err
	}
	return writeString(buf, m.Name)
}

func (m Insert) encode(buf *bytes.Buffer) error {
	buf.WriteByte(TagInsert)
	buf.WriteByte('N')
	return writeTuple(buf, m.NewTuple)
}

func (m Update) encode(buf *bytes.Buffer) error {
	buf.WriteByte(TagUpdate)
	if m.OldKey != nil {
		buf.WriteByte('K')
		if err := writeTuple(buf, *m.OldKey); err != nil {
			return err
		}
	}
	buf.WriteByte('N')
	return writeTuple(buf, m.NewTuple)
}

func (m Delete) encode(buf *bytes.Buffer) error {
	buf.WriteByte(TagDelete)
	buf.WriteByte('K')
	return writeTuple(buf, m.OldKey)
}

func (m Commit) encode(buf *bytes.Buffer) error {
	buf.WriteByte(TagCommit)
	buf.WriteByte(byte(m.Event))
	buf.WriteByte(byte(m.Origin))
	if m.CaughtUp {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeU64(buf, m.CommitLSN)
	writeU64(buf, m.EndLSN)
	writeU64(buf, uint64(m.CommitTime))
	if m.Event == EventCommitPrepared {
		writeU64(buf, uint64(m.CSN))
	}
	if m.Event != EventCommit {
		if err := writeString(buf, m.GID); err != nil {
			return err
		}
	}
	return nil
}

// Decode parses a payload produced by Encode.
func Decode(data []byte) (Message, error) {
	r := bytes.NewReader(data)
	tag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("repproto: empty payload")
	}
	switch tag {
	case TagBegin:
		return decodeBegin(r)
	case TagRelation:
		return decodeRelation(r)
	case TagInsert:
		return decodeInsert(r)
	case TagUpdate:
		return decodeUpdate(r)
	case TagDelete:
		return decodeDelete(r)
	case TagCommit:
		return decodeCommit(r)
	default:
		return nil, fmt.Errorf("repproto: unknown message tag %q", tag)
	}
}

func decodeBegin(r *bytes.Reader) (Message, error) {
	node, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("repproto: begin: %w", err)
	}
	xid, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("repproto: begin: %w", err)
	}
	snap, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("repproto: begin: %w", err)
	}
	return Begin{Node: txstate.NodeID(node), XID: txstate.XID(xid), SnapshotCSN: csn.CSN(snap)}, nil
}

func decodeRelation(r *bytes.Reader) (Message, error) {
	schema, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("repproto: relation: %w", err)
	}
	name, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("repproto: relation: %w", err)
	}
	return Relation{Schema: schema, Name: name}, nil
}

func decodeInsert(r *bytes.Reader) (Message, error) {
	marker, err := r.ReadByte()
	if err != nil || marker != 'N' {
		return nil, fmt.Errorf("repproto: insert: expected new tuple marker")
	}
	tup, err := readTuple(r)
	if err != nil {
		return nil, fmt.Errorf("repproto: insert: %w", err)
	}
	return Insert{NewTuple: tup}, nil
}

func decodeUpdate(r *bytes.Reader) (Message, error) {
	marker, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("repproto: update: %w", err)
	}
	var msg Update
	if marker == 'K' {
		old, err := readTuple(r)
		if err != nil {
			return nil, fmt.Errorf("repproto: update old key: %w", err)
		}
		msg.OldKey = &old
		if marker, err = r.ReadByte(); err != nil {
			return nil, fmt.Errorf("repproto: update: %w", err)
		}
	}
	if marker != 'N' {
		return nil, fmt.Errorf("repproto: update: expected new tuple marker, got %q", marker)
	}
	tup, err := readTuple(r)
	if err != nil {
		return nil, fmt.Errorf("repproto: update: %w", err)
	}
	msg.NewTuple = tup
	return msg, nil
}

func decodeDelete(r *bytes.Reader) (Message, error) {
	marker, err := r.ReadByte()
	if err != nil || marker != 'K' {
		return nil, fmt.Errorf("repproto: delete: expected key tuple marker")
	}
	tup, err := readTuple(r)
	if err != nil {
		return nil, fmt.Errorf("repproto: delete: %w", err)
	}
	return Delete{OldKey: tup}, nil
}

func decodeCommit(r *bytes.Reader) (Message, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("repproto: commit header: %w", err)
	}
	msg := Commit{
		Event:    CommitEvent(hdr[0]),
		Origin:   txstate.NodeID(hdr[1]),
		CaughtUp: hdr[2] != 0,
	}
	var err error
	if msg.CommitLSN, err = readU64(r); err != nil {
		return nil, fmt.Errorf("repproto: commit: %w", err)
	}
	if msg.EndLSN, err = readU64(r); err != nil {
		return nil, fmt.Errorf("repproto: commit: %w", err)
	}
	ct, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("repproto: commit: %w", err)
	}
	msg.CommitTime = int64(ct)
	if msg.Event == EventCommitPrepared {
		v, err := readU64(r)
		if err != nil {
			return nil, fmt.Errorf("repproto: commit csn: %w", err)
		}
		msg.CSN = csn.CSN(v)
	}
	if msg.Event != EventCommit {
		if msg.GID, err = readString(r); err != nil {
			return nil, fmt.Errorf("repproto: commit gid: %w", err)
		}
	}
	return msg, nil
}

func writeTuple(buf *bytes.Buffer, t Tuple) error {
	buf.WriteByte('T')
	if len(t.Attrs) > 0xFFFF {
		return fmt.Errorf("repproto: tuple has %d attributes", len(t.Attrs))
	}
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(t.Attrs)))
	buf.Write(n[:])
	for _, a := range t.Attrs {
		switch a.Kind {
		case AttrNull, AttrUnchanged:
			buf.WriteByte(a.Kind)
		case AttrBinary, AttrSendRecv, AttrText:
			buf.WriteByte(a.Kind)
			writeU32(buf, uint32(len(a.Data)))
			buf.Write(a.Data)
		default:
			return fmt.Errorf("repproto: unknown attribute kind %q", a.Kind)
		}
	}
	return nil
}

func readTuple(r *bytes.Reader) (Tuple, error) {
	marker, err := r.ReadByte()
	if err != nil || marker != 'T' {
		return Tuple{}, fmt.Errorf("repproto: expected tuple marker")
	}
	var n [2]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return Tuple{}, err
	}
	natts := int(binary.BigEndian.Uint16(n[:]))
	tup := Tuple{Attrs: make([]Attr, natts)}
	for i := 0; i < natts; i++ {
		kind, err := r.ReadByte()
		if err != nil {
			return Tuple{}, err
		}
		switch kind {
		case AttrNull, AttrUnchanged:
			tup.Attrs[i] = Attr{Kind: kind}
		case AttrBinary, AttrSendRecv, AttrText:
			sz, err := readU32(r)
			if err != nil {
				return Tuple{}, err
			}
			data := make([]byte, sz)
			if _, err := io.ReadFull(r, data); err != nil {
				return Tuple{}, err
			}
			tup.Attrs[i] = Attr{Kind: kind, Data: data}
		default:
			return Tuple{}, fmt.Errorf("repproto: unknown attribute kind %q", kind)
		}
	}
	return tup, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 0xFF {
		return fmt.Errorf("repproto: string %q exceeds 255 bytes", s)
	}
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
