// Package webrtc wraps pion PeerConnections behind the domain ports.
package webrtc

import (
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"robolink/native/internal/domain"
)

// APIOptions configures NewAPI.
type APIOptions struct {
	// LoggerFactory routes pion's internal logs. Nil keeps pion's default.
	LoggerFactory logging.LoggerFactory
	// IncludeLoopback gathers loopback candidates so peers on one host can
	// connect without a LAN interface.
	IncludeLoopback bool
}

// NewAPI builds a pion API with the default codec set and NACK handling in
// both directions.
func NewAPI(opts APIOptions) (*pion.API, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, errors.Wrap(err, "create nack responder")
	}
	i.Add(responderFactory)

	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, errors.Wrap(err, "create nack generator")
	}
	i.Add(generatorFactory)

	s := pion.SettingEngine{}
	if opts.LoggerFactory != nil {
		s.LoggerFactory = opts.LoggerFactory
	}
	s.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	return pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(s),
	), nil
}

// ICEServers turns STUN/TURN URLs into pion ICE servers.
func ICEServers(urls []string) []pion.ICEServer {
	var servers []pion.ICEServer
	for _, u := range urls {
		servers = append(servers, pion.ICEServer{URLs: []string{u}})
	}
	return servers
}

func toPion(desc domain.SDPPayload) pion.SessionDescription {
	return pion.SessionDescription{Type: pion.NewSDPType(desc.Type), SDP: desc.SDP}
}

func fromPion(desc pion.SessionDescription) domain.SDPPayload {
	return domain.SDPPayload{Type: desc.Type.String(), SDP: desc.SDP}
}

func codecType(kind domain.MediaKind) pion.RTPCodecType {
	if kind == domain.KindVideo {
		return pion.RTPCodecTypeVideo
	}
	return pion.RTPCodecTypeAudio
}

func gatheringState(s pion.ICEGatheringState) domain.GatheringState {
	switch s {
	case pion.ICEGatheringStateGathering:
		return domain.GatheringInProgress
	case pion.ICEGatheringStateComplete:
		return domain.GatheringComplete
	default:
		return domain.GatheringNew
	}
}
