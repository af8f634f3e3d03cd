// Package wire defines the messages of the phoenix sync protocol
// and their framing on a byte stream.
//
// A frame is a 4-byte big-endian length, a 1-byte tag identifying the message type,
// and the message payload in protobuf wire format.
// The length counts the tag and the payload.
package wire

import (
	"fmt"

	"github.com/cosmicboots/phoenix"
)

// Tag identifies a message type on the wire.
type Tag byte

const (
	TagManifestAnnounce Tag = iota + 1
	TagManifestRequest
	TagManifestResponse
	TagChunkRequest
	TagChunkData
	TagCommit
	TagCommitAck
	TagCommitReject
	TagHeartbeat
	TagListRequest
	TagListDone
	TagTransferAbort
)

var tagNames = map[Tag]string{
	TagManifestAnnounce: "ManifestAnnounce",
	TagManifestRequest:  "ManifestRequest",
	TagManifestResponse: "ManifestResponse",
	TagChunkRequest:     "ChunkRequest",
	TagChunkData:        "ChunkData",
	TagCommit:           "Commit",
	TagCommitAck:        "CommitAck",
	TagCommitReject:     "CommitReject",
	TagHeartbeat:        "Heartbeat",
	TagListRequest:      "ListRequest",
	TagListDone:         "ListDone",
	TagTransferAbort:    "TransferAbort",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tag(%d)", byte(t))
}

// Message is one protocol message.
// The set of implementations is closed: it is exactly the types in this package.
type Message interface {
	Tag() Tag
	appendPayload([]byte) []byte
}

// Scoped is a message that belongs to a transfer.
type Scoped interface {
	Message
	TransferID() uint64
}

// ManifestAnnounce tells the other side that a new revision of a path exists.
// It is a notification and starts no transfer by itself.
type ManifestAnnounce struct {
	Path     string
	Revision uint64
	Digest   phoenix.Hash
}

// ManifestRequest starts a transfer: the sender wants the current manifest of Path.
type ManifestRequest struct {
	Transfer uint64
	Path     string
}

// ManifestResponse carries the manifest a ManifestRequest asked for.
type ManifestResponse struct {
	Transfer uint64
	Manifest *phoenix.Manifest
}

// ChunkRequest asks for a batch of chunk payloads.
type ChunkRequest struct {
	Transfer uint64
	Hashes   []phoenix.Hash
}

// ChunkData carries one chunk payload.
// An empty payload with a nonzero hash means the sender does not have the chunk.
type ChunkData struct {
	Transfer uint64
	Hash     phoenix.Hash
	Payload  []byte
}

// Commit proposes that the receiver make Revision the current revision of Path,
// provided its current revision is Expected.
type Commit struct {
	Transfer uint64
	Path     string
	Expected uint64
	Revision uint64
}

// CommitAck reports a successful commit.
type CommitAck struct {
	Transfer uint64
	Path     string
	Revision uint64
}

// Reasons carried in CommitReject and TransferAbort.
const (
	ReasonConflict = "conflict"
	ReasonInvalid  = "invalid"
	ReasonStorage  = "storage"
	ReasonBusy     = "busy"
	ReasonNotFound = "not found"
	ReasonTimeout  = "timeout"
	ReasonClosed   = "closed"
	ReasonFailed   = "failed"
)

// CommitReject reports a refused commit.
// For a conflict, Current is the receiver's current revision of Path.
type CommitReject struct {
	Transfer uint64
	Path     string
	Reason   string
	Current  uint64
	Detail   string
}

// Heartbeat keeps an idle session alive.
type Heartbeat struct {
	Seq uint64
}

// ListRequest asks the server to announce every path it tracks.
type ListRequest struct{}

// ListDone follows the announcements answering a ListRequest.
type ListDone struct {
	Count uint64
}

// TransferAbort ends a transfer early.
type TransferAbort struct {
	Transfer uint64
	Reason   string
}

func (*ManifestAnnounce) Tag() Tag { return TagManifestAnnounce }
func (*ManifestRequest) Tag() Tag  { return TagManifestRequest }
func (*ManifestResponse) Tag() Tag { return TagManifestResponse }
func (*ChunkRequest) Tag() Tag     { return TagChunkRequest }
func (*ChunkData) Tag() Tag        { return TagChunkData }
func (*Commit) Tag() Tag           { return TagCommit }
func (*CommitAck) Tag() Tag        { return TagCommitAck }
func (*CommitReject) Tag() Tag     { return TagCommitReject }
func (*Heartbeat) Tag() Tag        { return TagHeartbeat }
func (*ListRequest) Tag() Tag      { return TagListRequest }
func (*ListDone) Tag() Tag         { return TagListDone }
func (*TransferAbort) Tag() Tag    { return TagTransferAbort }

func (m *ManifestRequest) TransferID() uint64  { return m.Transfer }
func (m *ManifestResponse) TransferID() uint64 { return m.Transfer }
func (m *ChunkRequest) TransferID() uint64     { return m.Transfer }
func (m *ChunkData) TransferID() uint64        { return m.Transfer }
func (m *Commit) TransferID() uint64           { return m.Transfer }
func (m *CommitAck) TransferID() uint64        { return m.Transfer }
func (m *CommitReject) TransferID() uint64     { return m.Transfer }
func (m *TransferAbort) TransferID() uint64    { return m.Transfer }
