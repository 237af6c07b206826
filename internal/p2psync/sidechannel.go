package p2psync

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/pion/webrtc/v4"
)

// Resolution is the caller-chosen outcome of a file-transfer conflict.
type Resolution string

const (
	ResolveLocal  Resolution = "local"
	ResolveRemote Resolution = "remote"
	ResolveBoth   Resolution = "both"
)

// Conflict describes two divergent versions of the same file arriving over
// the side channel, for the caller to resolve.
type Conflict struct {
	Path       string `cbor:"path"`
	LocalHash  string `cbor:"local_hash"`
	RemoteHash string `cbor:"remote_hash"`
	Timestamp  int64  `cbor:"timestamp"`
}

// ConflictResolver decides how to reconcile a Conflict. Supplied by the
// embedding host — this package never guesses at merge semantics.
type ConflictResolver func(c Conflict) Resolution

// sideChannelMessage is the CBOR envelope for every side-channel frame. A
// single typed envelope (rather than per-kind structs) keeps the DataChannel
// handler simple: decode once, branch on Kind.
type sideChannelMessage struct {
	Kind     string `cbor:"kind"`
	Path     string `cbor:"path,omitempty"`
	Hash     string `cbor:"hash,omitempty"`
	Content  []byte `cbor:"content,omitempty"`
	Offset   int64  `cbor:"offset,omitempty"`
	Total    int64  `cbor:"total,omitempty"`
}

const (
	sideChannelFileOffer  = "file_offer"
	sideChannelFileChunk  = "file_chunk"
	sideChannelFileAccept = "file_accept"
	sideChannelFileReject = "file_reject"
)

// SideChannel wraps one peer's DataChannel with the encrypted (at the
// DataChannel-transport layer already; this is just CBOR framing, not a
// second encryption layer) file-transfer protocol.
type SideChannel struct {
	dc       *webrtc.DataChannel
	resolver ConflictResolver

	OnFileOffer func(path, hash string, total int64) (accept bool)
	OnFileData  func(path string, content []byte)
}

// NewSideChannel binds a side channel to an open DataChannel.
func NewSideChannel(dc *webrtc.DataChannel, resolver ConflictResolver) *SideChannel {
	sc := &SideChannel{dc: dc, resolver: resolver}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		sc.handleMessage(msg.Data)
	})
	return sc
}

func (sc *SideChannel) handleMessage(data []byte) {
	var msg sideChannelMessage
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Kind {
	case sideChannelFileOffer:
		accept := true
		if sc.OnFileOffer != nil {
			accept = sc.OnFileOffer(msg.Path, msg.Hash, msg.Total)
		}
		reply := sideChannelFileReject
		if accept {
			reply = sideChannelFileAccept
		}
		_ = sc.send(sideChannelMessage{Kind: reply, Path: msg.Path})
	case sideChannelFileChunk:
		if sc.OnFileData != nil {
			sc.OnFileData(msg.Path, msg.Content)
		}
	}
}

// OfferFile announces a file transfer to the peer.
func (sc *SideChannel) OfferFile(path, hash string, total int64) error {
	return sc.send(sideChannelMessage{Kind: sideChannelFileOffer, Path: path, Hash: hash, Total: total})
}

// SendChunk transmits one chunk of file content at the given offset.
func (sc *SideChannel) SendChunk(path string, offset int64, content []byte) error {
	return sc.send(sideChannelMessage{Kind: sideChannelFileChunk, Path: path, Offset: offset, Content: content})
}

func (sc *SideChannel) send(msg sideChannelMessage) error {
	data, err := cbor.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal side channel message: %w", err)
	}
	return sc.dc.Send(data)
}

// Resolve asks the configured resolver how to reconcile a conflict,
// defaulting to ResolveBoth (keep both versions, the non-destructive
// choice) when no resolver was supplied.
func (sc *SideChannel) Resolve(c Conflict) Resolution {
	if sc.resolver == nil {
		return ResolveBoth
	}
	return sc.resolver(c)
}
