package domain

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Passthrough holds the opaque video settings forwarded to the answering side.
type Passthrough struct {
	VideoResolution string
	VideoBuffer     string
	VideoFramerate  string
}

// OfferRequest is the body submitted to the signaling endpoint.
// It is built once per negotiation and not retained afterwards.
type OfferRequest struct {
	SDP         string `json:"sdp"`
	Type        string `json:"type"`
	VideoRes    string `json:"video_res"`
	VideoBuffer string `json:"video_buffer"`
	VideoFPS    string `json:"video_fps"`
}

// NewOfferRequest combines a local description with the passthrough values.
func NewOfferRequest(desc SDPPayload, p Passthrough) OfferRequest {
	return OfferRequest{
		SDP:         desc.SDP,
		Type:        desc.Type,
		VideoRes:    p.VideoResolution,
		VideoBuffer: p.VideoBuffer,
		VideoFPS:    p.VideoFramerate,
	}
}

// Description returns the session description carried by the request.
func (r OfferRequest) Description() SDPPayload {
	return SDPPayload{Type: r.Type, SDP: r.SDP}
}

// DataChannelParams mirrors the JSON object accepted for channel creation,
// e.g. {"ordered": false, "maxRetransmits": 0}.
type DataChannelParams struct {
	Ordered           *bool   `json:"ordered,omitempty"`
	MaxPacketLifeTime *uint16 `json:"maxPacketLifeTime,omitempty"`
	MaxRetransmits    *uint16 `json:"maxRetransmits,omitempty"`
	Protocol          *string `json:"protocol,omitempty"`
}

// Signaling envelope methods used on the WebSocket transport.
const (
	MethodOffer  = "OFFER"
	MethodAnswer = "ANSWER"
	MethodError  = "ERROR"
)

// SignalMessage is the WebSocket signaling envelope. Offer carries an
// OfferRequest, Answer an SDPPayload.
type SignalMessage struct {
	Method  string        `json:"method"`
	Offer   *OfferRequest `json:"offer,omitempty"`
	Answer  *SDPPayload   `json:"answer,omitempty"`
	Message string        `json:"message,omitempty"`
}
