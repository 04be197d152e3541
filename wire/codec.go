package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/rabia-rs/rabia/api"
	"github.com/google/uuid"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// frame on the wire is:
//
//	| kind (1B) | timestamp (8B, unix nanos) | from (16B UUID) | checksum (4B) | body length (4B) | body |
//
// checksum covers the body bytes only; strict decode rejects anything
// beyond the declared body length (no trailing/unknown fields).
const headerSize = 1 + 8 + 16 + 4 + 4

var (
	ErrTruncated    = errors.New("wire: truncated frame")
	ErrChecksum     = errors.New("wire: checksum mismatch")
	ErrUnknownKind  = errors.New("wire: unknown message kind")
	ErrTrailingData = errors.New("wire: trailing bytes after body")
)

// Encode serializes env into a self-checksummed frame.
func Encode(env *Envelope) ([]byte, error) {
	body, err := encodeBody(env.Kind, env.Body)
	if err != nil {
		return nil, fmt.Errorf("wire: encode body: %w", err)
	}
	checksum := crc32.Checksum(body, crc32cTable)

	buf := make([]byte, headerSize+len(body))
	buf[0] = byte(env.Kind)
	binary.BigEndian.PutUint64(buf[1:9], uint64(env.Timestamp.UnixNano()))
	fromBytes, _ := uuid.UUID(env.From).MarshalBinary()
	copy(buf[9:25], fromBytes)
	binary.BigEndian.PutUint32(buf[25:29], checksum)
	binary.BigEndian.PutUint32(buf[29:33], uint32(len(body)))
	copy(buf[headerSize:], body)
	return buf, nil
}

// Decode parses a frame produced by Encode, verifying its checksum.
// It is strict: trailing bytes beyond the declared body length are
// rejected.
func Decode(frame []byte) (*Envelope, error) {
	if len(frame) < headerSize {
		return nil, ErrTruncated
	}

	kind := Kind(frame[0])
	tsNanos := binary.BigEndian.Uint64(frame[1:9])
	var fromId uuid.UUID
	if err := fromId.UnmarshalBinary(frame[9:25]); err != nil {
		return nil, fmt.Errorf("wire: decode sender id: %w", err)
	}
	checksum := binary.BigEndian.Uint32(frame[25:29])
	bodyLen := binary.BigEndian.Uint32(frame[29:33])

	rest := frame[headerSize:]
	if uint32(len(rest)) < bodyLen {
		return nil, ErrTruncated
	}
	body := rest[:bodyLen]
	if uint32(len(rest)) != bodyLen {
		return nil, ErrTrailingData
	}

	if actual := crc32.Checksum(body, crc32cTable); actual != checksum {
		return nil, ErrChecksum
	}

	decoded, err := decodeBody(kind, body)
	if err != nil {
		return nil, fmt.Errorf("wire: decode body: %w", err)
	}

	return &Envelope{
		From:      api.NodeId(fromId),
		Timestamp: time.Unix(0, int64(tsNanos)),
		Checksum:  checksum,
		Kind:      kind,
		Body:      decoded,
	}, nil
}

func encodeBody(kind Kind, body any) ([]byte, error) {
	var buf bytes.Buffer
	switch kind {
	case KindPropose:
		m, ok := body.(*Propose)
		if !ok {
			return nil, errUnexpectedBody(kind, body)
		}
		writeUint64(&buf, uint64(m.PhaseId))
		writeBatchId(&buf, m.BatchId)
		writeStateValue(&buf, m.Value)
		writeOptionalBatch(&buf, m.Batch)
	case KindVote:
		m, ok := body.(*Vote)
		if !ok {
			return nil, errUnexpectedBody(kind, body)
		}
		writeUint64(&buf, uint64(m.PhaseId))
		writeBatchId(&buf, m.BatchId)
		buf.WriteByte(byte(m.Round))
		writeStateValue(&buf, m.Value)
		writeVoteTally(&buf, m.Round1Tally)
	case KindDecision:
		m, ok := body.(*Decision)
		if !ok {
			return nil, errUnexpectedBody(kind, body)
		}
		writeUint64(&buf, uint64(m.PhaseId))
		writeBatchId(&buf, m.BatchId)
		writeStateValue(&buf, m.Value)
		writeOptionalBatch(&buf, m.Batch)
	case KindHeartbeat:
		m, ok := body.(*Heartbeat)
		if !ok {
			return nil, errUnexpectedBody(kind, body)
		}
		writeUint64(&buf, uint64(m.CurrentPhase))
		writeUint64(&buf, uint64(m.HighestCommitted))
	case KindSyncRequest:
		m, ok := body.(*SyncRequest)
		if !ok {
			return nil, errUnexpectedBody(kind, body)
		}
		writeUint64(&buf, uint64(m.FromPhase))
	case KindSyncResponse:
		m, ok := body.(*SyncResponse)
		if !ok {
			return nil, errUnexpectedBody(kind, body)
		}
		writeUint64(&buf, uint64(m.ResponderPhase))
		writeUint64(&buf, uint64(m.HighestCommitted))
		writeUint32(&buf, uint32(len(m.Entries)))
		for _, e := range m.Entries {
			writeUint64(&buf, uint64(e.PhaseId))
			writeBatchId(&buf, e.BatchId)
			writeStateValue(&buf, e.Value)
			writeOptionalBatch(&buf, e.Batch)
		}
		writeUint64(&buf, uint64(m.SnapshotBasePhase))
		writeBytes(&buf, m.Snapshot)
	default:
		return nil, ErrUnknownKind
	}
	return buf.Bytes(), nil
}

func decodeBody(kind Kind, body []byte) (any, error) {
	r := bytes.NewReader(body)
	var err error
	switch kind {
	case KindPropose:
		m := &Propose{}
		if m.PhaseId, err = readPhaseId(r); err != nil {
			return nil, err
		}
		if m.BatchId, err = readBatchId(r); err != nil {
			return nil, err
		}
		if m.Value, err = readStateValue(r); err != nil {
			return nil, err
		}
		if m.Batch, err = readOptionalBatch(r); err != nil {
			return nil, err
		}
		return m, checkDrained(r)
	case KindVote:
		m := &Vote{}
		if m.PhaseId, err = readPhaseId(r); err != nil {
			return nil, err
		}
		if m.BatchId, err = readBatchId(r); err != nil {
			return nil, err
		}
		round, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		m.Round = api.Round(round)
		if m.Value, err = readStateValue(r); err != nil {
			return nil, err
		}
		if m.Round1Tally, err = readVoteTally(r); err != nil {
			return nil, err
		}
		return m, checkDrained(r)
	case KindDecision:
		m := &Decision{}
		if m.PhaseId, err = readPhaseId(r); err != nil {
			return nil, err
		}
		if m.BatchId, err = readBatchId(r); err != nil {
			return nil, err
		}
		if m.Value, err = readStateValue(r); err != nil {
			return nil, err
		}
		if m.Batch, err = readOptionalBatch(r); err != nil {
			return nil, err
		}
		return m, checkDrained(r)
	case KindHeartbeat:
		m := &Heartbeat{}
		if m.CurrentPhase, err = readPhaseId(r); err != nil {
			return nil, err
		}
		if m.HighestCommitted, err = readPhaseId(r); err != nil {
			return nil, err
		}
		return m, checkDrained(r)
	case KindSyncRequest:
		m := &SyncRequest{}
		if m.FromPhase, err = readPhaseId(r); err != nil {
			return nil, err
		}
		return m, checkDrained(r)
	case KindSyncResponse:
		m := &SyncResponse{}
		if m.ResponderPhase, err = readPhaseId(r); err != nil {
			return nil, err
		}
		if m.HighestCommitted, err = readPhaseId(r); err != nil {
			return nil, err
		}
		var n uint32
		if err = binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		if n > 0 {
			m.Entries = make([]DecisionEntry, 0, n)
		}
		for i := uint32(0); i < n; i++ {
			var e DecisionEntry
			if e.PhaseId, err = readPhaseId(r); err != nil {
				return nil, err
			}
			if e.BatchId, err = readBatchId(r); err != nil {
				return nil, err
			}
			if e.Value, err = readStateValue(r); err != nil {
				return nil, err
			}
			if e.Batch, err = readOptionalBatch(r); err != nil {
				return nil, err
			}
			m.Entries = append(m.Entries, e)
		}
		if m.SnapshotBasePhase, err = readPhaseId(r); err != nil {
			return nil, err
		}
		if m.Snapshot, err = readBytes(r); err != nil {
			return nil, err
		}
		return m, checkDrained(r)
	default:
		return nil, ErrUnknownKind
	}
}

func errUnexpectedBody(kind Kind, body any) error {
	return fmt.Errorf("wire: body %T does not match kind %s", body, kind)
}

func checkDrained(r *bytes.Reader) error {
	if r.Len() != 0 {
		return ErrTrailingData
	}
	return nil
}

func writeUint64(buf *bytes.Buffer, v uint64) { _ = binary.Write(buf, binary.BigEndian, v) }
func writeUint32(buf *bytes.Buffer, v uint32) { _ = binary.Write(buf, binary.BigEndian, v) }

func writeBatchId(buf *bytes.Buffer, id api.BatchId) {
	b, _ := uuid.UUID(id).MarshalBinary()
	buf.Write(b)
}

func readPhaseId(r *bytes.Reader) (api.PhaseId, error) {
	var v uint64
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, err
	}
	return api.PhaseId(v), nil
}

func readBatchId(r *bytes.Reader) (api.BatchId, error) {
	raw := make([]byte, 16)
	if _, err := io.ReadFull(r, raw); err != nil {
		return api.BatchId{}, err
	}
	var id uuid.UUID
	if err := id.UnmarshalBinary(raw); err != nil {
		return api.BatchId{}, err
	}
	return api.BatchId(id), nil
}

func writeStateValue(buf *bytes.Buffer, v api.StateValue) { buf.WriteByte(byte(v)) }

func readStateValue(r *bytes.Reader) (api.StateValue, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	return api.StateValue(b), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeOptionalBatch(buf *bytes.Buffer, b *api.CommandBatch) {
	if b == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	writeBatchId(buf, b.Id)
	writeUint64(buf, uint64(b.Timestamp.UnixNano()))
	writeUint32(buf, b.Checksum)
	writeUint32(buf, uint32(len(b.Commands)))
	for _, c := range b.Commands {
		cb, _ := c.Id.MarshalBinary()
		buf.Write(cb)
		writeUint64(buf, uint64(c.CreatedAt.UnixNano()))
		writeBytes(buf, c.Data)
	}
}

func readOptionalBatch(r *bytes.Reader) (*api.CommandBatch, error) {
	present, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	b := &api.CommandBatch{}
	if b.Id, err = readBatchId(r); err != nil {
		return nil, err
	}
	var ts uint64
	if err = binary.Read(r, binary.BigEndian, &ts); err != nil {
		return nil, err
	}
	b.Timestamp = time.Unix(0, int64(ts))
	if err = binary.Read(r, binary.BigEndian, &b.Checksum); err != nil {
		return nil, err
	}
	var n uint32
	if err = binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	b.Commands = make([]api.Command, 0, n)
	for i := uint32(0); i < n; i++ {
		var c api.Command
		raw := make([]byte, 16)
		if _, err = io.ReadFull(r, raw); err != nil {
			return nil, err
		}
		if err = c.Id.UnmarshalBinary(raw); err != nil {
			return nil, err
		}
		var cts uint64
		if err = binary.Read(r, binary.BigEndian, &cts); err != nil {
			return nil, err
		}
		c.CreatedAt = time.Unix(0, int64(cts))
		if c.Data, err = readBytes(r); err != nil {
			return nil, err
		}
		b.Commands = append(b.Commands, c)
	}
	return b, nil
}

func writeVoteTally(buf *bytes.Buffer, tally map[api.NodeId]api.StateValue) {
	writeUint32(buf, uint32(len(tally)))
	for node, v := range tally {
		nb, _ := uuid.UUID(node).MarshalBinary()
		buf.Write(nb)
		writeStateValue(buf, v)
	}
}

func readVoteTally(r *bytes.Reader) (map[api.NodeId]api.StateValue, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	tally := make(map[api.NodeId]api.StateValue, n)
	for i := uint32(0); i < n; i++ {
		raw := make([]byte, 16)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, err
		}
		var id uuid.UUID
		if err := id.UnmarshalBinary(raw); err != nil {
			return nil, err
		}
		v, err := readStateValue(r)
		if err != nil {
			return nil, err
		}
		tally[api.NodeId(id)] = v
	}
	return tally, nil
}
