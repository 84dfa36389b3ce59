// Package wire implements the native batch format: the envelope carrying
// correlated and non-correlated event records, used by the Context Store
// to persist a context's event log and available to connectors that speak
// the native protocol. Field order within a record is fixed: received,
// correlation/event id, event type, data.
package wire

import (
	"encoding/binary"
	"fmt"
)

// batchVersion is the single supported envelope version.
const batchVersion byte = 1

// RecordKind distinguishes the two record shapes a batch may carry.
type RecordKind byte

const (
	// KindCorrelated is a record grouped under a correlation id.
	KindCorrelated RecordKind = 0
	// KindNonCorrelated is a record standing alone under its own event
	// id.
	KindNonCorrelated RecordKind = 1
)

// Record is one event in a batch. ID holds the correlation id for
// KindCorrelated records and the event id for KindNonCorrelated ones.
// Data is the opaque original payload.
type Record struct {
	Kind       RecordKind
	ReceivedMs int64
	ID         string
	EventType  string
	Data       []byte
}

// Batch is the envelope: an ordered list of records.
type Batch struct {
	Records []Record
}

// Encode serializes the batch: a version byte, a record count, then each
// record's fields in their pinned order, strings and data length-prefixed.
func (b *Batch) Encode() []byte {
	size := 1 + binary.MaxVarintLen64
	for _, r := range b.Records {
		size += 1 + binary.MaxVarintLen64*4 + len(r.ID) + len(r.EventType) + len(r.Data)
	}
	out := make([]byte, 0, size)

	out = append(out, batchVersion)
	out = binary.AppendUvarint(out, uint64(len(b.Records)))
	for _, r := range b.Records {
		out = append(out, byte(r.Kind))
		out = binary.AppendVarint(out, r.ReceivedMs)
		out = appendBytes(out, []byte(r.ID))
		out = appendBytes(out, []byte(r.EventType))
		out = appendBytes(out, r.Data)
	}
	return out
}

// DecodeBatch parses an encoded batch, rejecting unknown versions and
// truncated input.
func DecodeBatch(data []byte) (*Batch, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("wire: empty batch")
	}
	if data[0] != batchVersion {
		return nil, fmt.Errorf("wire: unsupported batch version %d", data[0])
	}
	data = data[1:]

	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("wire: truncated record count")
	}
	data = data[n:]

	b := &Batch{Records: make([]Record, 0, count)}
	for i := uint64(0); i < count; i++ {
		var r Record
		if len(data) == 0 {
			return nil, fmt.Errorf("wire: truncated record %d", i)
		}
		kind := RecordKind(data[0])
		if kind != KindCorrelated && kind != KindNonCorrelated {
			return nil, fmt.Errorf("wire: unknown record kind %d", kind)
		}
		r.Kind = kind
		data = data[1:]

		received, n := binary.Varint(data)
		if n <= 0 {
			return nil, fmt.Errorf("wire: truncated received field in record %d", i)
		}
		r.ReceivedMs = received
		data = data[n:]

		var field []byte
		var err error
		if field, data, err = readBytes(data); err != nil {
			return nil, fmt.Errorf("wire: record %d id: %w", i, err)
		}
		r.ID = string(field)
		if field, data, err = readBytes(data); err != nil {
			return nil, fmt.Errorf("wire: record %d event type: %w", i, err)
		}
		r.EventType = string(field)
		if field, data, err = readBytes(data); err != nil {
			return nil, fmt.Errorf("wire: record %d data: %w", i, err)
		}
		if len(field) > 0 {
			r.Data = field
		}

		b.Records = append(b.Records, r)
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("wire: %d trailing bytes after last record", len(data))
	}
	return b, nil
}

func appendBytes(out, field []byte) []byte {
	out = binary.AppendUvarint(out, uint64(len(field)))
	return append(out, field...)
}

func readBytes(data []byte) (field, rest []byte, err error) {
	length, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, nil, fmt.Errorf("truncated length prefix")
	}
	data = data[n:]
	if uint64(len(data)) < length {
		return nil, nil, fmt.Errorf("length %d exceeds remaining %d bytes", length, len(data))
	}
	return data[:length:length], data[length:], nil
}
