package domain

import "context"

// MediaKind is the media type of a transceiver or SDP section.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// GatheringState is the ICE candidate gathering status of a peer connection.
type GatheringState int

const (
	GatheringNew GatheringState = iota
	GatheringInProgress
	GatheringComplete
)

func (s GatheringState) String() string {
	switch s {
	case GatheringNew:
		return "new"
	case GatheringInProgress:
		return "gathering"
	case GatheringComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Signaler performs the single offer/answer exchange with the remote endpoint.
type Signaler interface {
	Exchange(ctx context.Context, offer OfferRequest) (SDPPayload, error)
}

// Negotiator is the part of a peer connection driven by the negotiation state machine.
type Negotiator interface {
	CreateOffer() (SDPPayload, error)
	SetLocalDescription(desc SDPPayload) error
	LocalDescription() (SDPPayload, bool)
	GatheringState() GatheringState
	// OnGatheringStateChange registers a listener and returns its removal func.
	OnGatheringStateChange(fn func(GatheringState)) (remove func())
	SetRemoteDescription(desc SDPPayload) error
}

// DataChannel is a text message channel multiplexed on the peer connection.
type DataChannel interface {
	Label() string
	SendText(text string) error
	OnOpen(fn func())
	OnClose(fn func())
	OnMessage(fn func(text string))
	Close() error
}

// Transceiver is one media flow of the peer connection. Implementations that
// can be stopped also implement Stop() error.
type Transceiver interface {
	Kind() MediaKind
}

// LocalTrack is a locally captured track attached to a sender.
type LocalTrack interface {
	ID() string
	Stop()
}

// Peer manages the WebRTC peer connection.
type Peer interface {
	Negotiator
	CreateDataChannel(label string, params DataChannelParams) (DataChannel, error)
	AddRecvonly(kind MediaKind) error
	AddLocalAudio() error
	Transceivers() []Transceiver
	SenderTracks() []LocalTrack
	Close() error
}

// CommandHandler receives operator commands delivered over a data channel.
type CommandHandler interface {
	HandleCommand(peerID, command string)
}
