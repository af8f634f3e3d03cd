package wire

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cosmicboots/phoenix"
)

// field is one decoded field of a payload.
// Only varint and length-delimited fields are used by this protocol;
// fields of other types are skipped.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	u     uint64
	bytes []byte
}

func (f field) str() string   { return string(f.bytes) }
func (f field) boolean() bool { return f.u != 0 }

func (f field) hash() (phoenix.Hash, error) {
	return phoenix.HashFromBytes(f.bytes)
}

func forFields(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(f); err != nil {
			return errors.Wrapf(err, "field %d", num)
		}
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func (m *ManifestAnnounce) appendPayload(b []byte) []byte {
	b = appendString(b, 1, m.Path)
	b = appendVarint(b, 2, m.Revision)
	return appendBytes(b, 3, m.Digest[:])
}

func (m *ManifestRequest) appendPayload(b []byte) []byte {
	b = appendVarint(b, 1, m.Transfer)
	return appendString(b, 2, m.Path)
}

func (m *ManifestResponse) appendPayload(b []byte) []byte {
	b = appendVarint(b, 1, m.Transfer)
	if m.Manifest != nil {
		b = appendBytes(b, 2, appendManifest(nil, m.Manifest))
	}
	return b
}

func (m *ChunkRequest) appendPayload(b []byte) []byte {
	b = appendVarint(b, 1, m.Transfer)
	for _, h := range m.Hashes {
		b = appendBytes(b, 2, h[:])
	}
	return b
}

func (m *ChunkData) appendPayload(b []byte) []byte {
	b = appendVarint(b, 1, m.Transfer)
	b = appendBytes(b, 2, m.Hash[:])
	return appendBytes(b, 3, m.Payload)
}

func (m *Commit) appendPayload(b []byte) []byte {
	b = appendVarint(b, 1, m.Transfer)
	b = appendString(b, 2, m.Path)
	b = appendVarint(b, 3, m.Expected)
	return appendVarint(b, 4, m.Revision)
}

func (m *CommitAck) appendPayload(b []byte) []byte {
	b = appendVarint(b, 1, m.Transfer)
	b = appendString(b, 2, m.Path)
	return appendVarint(b, 3, m.Revision)
}

func (m *CommitReject) appendPayload(b []byte) []byte {
	b = appendVarint(b, 1, m.Transfer)
	b = appendString(b, 2, m.Path)
	b = appendString(b, 3, m.Reason)
	b = appendVarint(b, 4, m.Current)
	return appendString(b, 5, m.Detail)
}

func (m *Heartbeat) appendPayload(b []byte) []byte {
	return appendVarint(b, 1, m.Seq)
}

func (m *ListRequest) appendPayload(b []byte) []byte {
	return b
}

func (m *ListDone) appendPayload(b []byte) []byte {
	return appendVarint(b, 1, m.Count)
}

func (m *TransferAbort) appendPayload(b []byte) []byte {
	b = appendVarint(b, 1, m.Transfer)
	return appendString(b, 2, m.Reason)
}

func appendManifest(b []byte, m *phoenix.Manifest) []byte {
	b = appendString(b, 1, m.Path)
	b = appendVarint(b, 2, m.Revision)
	b = appendVarint(b, 3, uint64(m.Size))
	b = appendVarint(b, 4, uint64(m.Mode))
	if !m.MTime.IsZero() {
		b = appendVarint(b, 5, protowire.EncodeZigZag(m.MTime.UnixNano()))
	}
	b = appendBool(b, 6, m.Deleted)
	for _, c := range m.Chunks {
		var ref []byte
		ref = appendBytes(ref, 1, c.Hash[:])
		ref = appendVarint(ref, 2, uint64(c.Offset))
		ref = appendVarint(ref, 3, uint64(c.Length))
		b = appendBytes(b, 7, ref)
	}
	return b
}

func decodeManifest(b []byte) (*phoenix.Manifest, error) {
	m := new(phoenix.Manifest)
	err := forFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.Path = f.str()
		case 2:
			m.Revision = f.u
		case 3:
			m.Size = int64(f.u)
		case 4:
			m.Mode = os.FileMode(f.u)
		case 5:
			m.MTime = time.Unix(0, protowire.DecodeZigZag(f.u)).UTC()
		case 6:
			m.Deleted = f.boolean()
		case 7:
			ref, err := decodeChunkRef(f.bytes)
			if err != nil {
				return err
			}
			m.Chunks = append(m.Chunks, ref)
		}
		return nil
	})
	return m, err
}

func decodeChunkRef(b []byte) (phoenix.ChunkRef, error) {
	var ref phoenix.ChunkRef
	err := forFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			ref.Hash, err = f.hash()
		case 2:
			ref.Offset = int64(f.u)
		case 3:
			ref.Length = int64(f.u)
		}
		return err
	})
	return ref, err
}

// Decode parses the payload of a message with the given tag.
func Decode(tag Tag, payload []byte) (Message, error) {
	var (
		msg Message
		fn  func(field) error
	)
	switch tag {
	case TagManifestAnnounce:
		m := new(ManifestAnnounce)
		msg, fn = m, func(f field) error {
			var err error
			switch f.num {
			case 1:
				m.Path = f.str()
			case 2:
				m.Revision = f.u
			case 3:
				m.Digest, err = f.hash()
			}
			return err
		}

	case TagManifestRequest:
		m := new(ManifestRequest)
		msg, fn = m, func(f field) error {
			switch f.num {
			case 1:
				m.Transfer = f.u
			case 2:
				m.Path = f.str()
			}
			return nil
		}

	case TagManifestResponse:
		m := new(ManifestResponse)
		msg, fn = m, func(f field) error {
			var err error
			switch f.num {
			case 1:
				m.Transfer = f.u
			case 2:
				m.Manifest, err = decodeManifest(f.bytes)
			}
			return err
		}

	case TagChunkRequest:
		m := new(ChunkRequest)
		msg, fn = m, func(f field) error {
			switch f.num {
			case 1:
				m.Transfer = f.u
			case 2:
				h, err := f.hash()
				if err != nil {
					return err
				}
				m.Hashes = append(m.Hashes, h)
			}
			return nil
		}

	case TagChunkData:
		m := new(ChunkData)
		msg, fn = m, func(f field) error {
			var err error
			switch f.num {
			case 1:
				m.Transfer = f.u
			case 2:
				m.Hash, err = f.hash()
			case 3:
				m.Payload = f.bytes
			}
			return err
		}

	case TagCommit:
		m := new(Commit)
		msg, fn = m, func(f field) error {
			switch f.num {
			case 1:
				m.Transfer = f.u
			case 2:
				m.Path = f.str()
			case 3:
				m.Expected = f.u
			case 4:
				m.Revision = f.u
			}
			return nil
		}

	case TagCommitAck:
		m := new(CommitAck)
		msg, fn = m, func(f field) error {
			switch f.num {
			case 1:
				m.Transfer = f.u
			case 2:
				m.Path = f.str()
			case 3:
				m.Revision = f.u
			}
			return nil
		}

	case TagCommitReject:
		m := new(CommitReject)
		msg, fn = m, func(f field) error {
			switch f.num {
			case 1:
				m.Transfer = f.u
			case 2:
				m.Path = f.str()
			case 3:
				m.Reason = f.str()
			case 4:
				m.Current = f.u
			case 5:
				m.Detail = f.str()
			}
			return nil
		}

	case TagHeartbeat:
		m := new(Heartbeat)
		msg, fn = m, func(f field) error {
			if f.num == 1 {
				m.Seq = f.u
			}
			return nil
		}

	case TagListRequest:
		msg, fn = new(ListRequest), func(field) error { return nil }

	case TagListDone:
		m := new(ListDone)
		msg, fn = m, func(f field) error {
			if f.num == 1 {
				m.Count = f.u
			}
			return nil
		}

	case TagTransferAbort:
		m := new(TransferAbort)
		msg, fn = m, func(f field) error {
			switch f.num {
			case 1:
				m.Transfer = f.u
			case 2:
				m.Reason = f.str()
			}
			return nil
		}

	default:
		return nil, errors.Errorf("unknown message tag %d", byte(tag))
	}

	if err := forFields(payload, fn); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", tag)
	}
	return msg, nil
}
