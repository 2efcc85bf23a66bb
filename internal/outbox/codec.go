package outbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dgnsrekt/synchromesh/internal/channel"
)

// Record field numbers. Never renumber: stored data depends on them.
const (
	fieldChannel     protowire.Number = 1
	fieldSequence    protowire.Number = 2
	fieldBroadcastID protowire.Number = 3
	fieldOperation   protowire.Number = 4
	fieldPayload     protowire.Number = 5
	fieldCreatedAt   protowire.Number = 6
	fieldCompressed  protowire.Number = 7
)

var errTruncated = errors.New("truncated record")

// Codec encodes messages as protobuf wire records. Payloads at or above the
// threshold are zstd-compressed.
type Codec struct {
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	threshold int
}

func NewCodec(threshold int) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec, threshold: threshold}, nil
}

func (c *Codec) Marshal(m Message) []byte {
	payload := []byte(m.Payload)
	compressed := c.threshold > 0 && len(payload) >= c.threshold
	if compressed {
		payload = c.enc.EncodeAll(payload, nil)
	}

	b := make([]byte, 0, len(payload)+len(m.Channel)+len(m.BroadcastID)+32)
	b = protowire.AppendTag(b, fieldChannel, protowire.BytesType)
	b = protowire.AppendString(b, string(m.Channel))
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Sequence)
	b = protowire.AppendTag(b, fieldBroadcastID, protowire.BytesType)
	b = protowire.AppendString(b, m.BroadcastID)
	b = protowire.AppendTag(b, fieldOperation, protowire.BytesType)
	b = protowire.AppendString(b, string(m.Operation))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.CreatedAt.UnixNano()))
	if compressed {
		b = protowire.AppendTag(b, fieldCompressed, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func (c *Codec) Unmarshal(b []byte) (Message, error) {
	var m Message
	var payload []byte
	compressed := false

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldChannel && typ == protowire.BytesType:
			var s string
			s, n = protowire.ConsumeString(b)
			m.Channel = channel.Channel(s)
		case num == fieldSequence && typ == protowire.VarintType:
			m.Sequence, n = protowire.ConsumeVarint(b)
		case num == fieldBroadcastID && typ == protowire.BytesType:
			m.BroadcastID, n = protowire.ConsumeString(b)
		case num == fieldOperation && typ == protowire.BytesType:
			var s string
			s, n = protowire.ConsumeString(b)
			m.Operation = Operation(s)
		case num == fieldPayload && typ == protowire.BytesType:
			payload, n = protowire.ConsumeBytes(b)
		case num == fieldCreatedAt && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.CreatedAt = time.Unix(0, int64(v))
		case num == fieldCompressed && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			compressed = protowire.DecodeBool(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Message{}, fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}

	if m.Channel == "" || m.Sequence == 0 {
		return Message{}, errTruncated
	}
	if compressed {
		raw, err := c.dec.DecodeAll(payload, nil)
		if err != nil {
			return Message{}, fmt.Errorf("decompress payload: %w", err)
		}
		payload = raw
	} else {
		payload = append([]byte(nil), payload...)
	}
	m.Payload = payload
	return m, nil
}

// Close releases the zstd encoder and decoder.
func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}
