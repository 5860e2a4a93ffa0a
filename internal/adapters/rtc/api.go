package rtc

import (
	"fmt"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return WebRTCConfig([]string{"stun:stun.l.google.com:19302"})
}

func WebRTCConfig(iceServers []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return cfg
}

// NewAPI builds a Pion API with the default codecs and interceptors and
// routes Pion's own logging through lf.
func NewAPI(lf logging.LoggerFactory) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	s := webrtc.SettingEngine{}
	if lf != nil {
		s.LoggerFactory = lf
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(s),
	), nil
}

// Factory creates one Connection per remote participant.
type Factory struct {
	api  *webrtc.API
	cfg  webrtc.Configuration
	sink AudioSink
}

func NewFactory(api *webrtc.API, cfg webrtc.Configuration, sink AudioSink) *Factory {
	return &Factory{api: api, cfg: cfg, sink: sink}
}

// webrtcTrack is implemented by local tracks this package can attach.
type webrtcTrack interface {
	TrackLocal() webrtc.TrackLocal
}

func (f *Factory) NewTransport(remote domain.UserID, track core.LocalTrack, h core.TransportHandlers) (core.PeerTransport, error) {
	wt, ok := track.(webrtcTrack)
	if !ok {
		return nil, ErrUnsupportedTrack
	}
	return newConnection(f.api, f.cfg, remote, wt.TrackLocal(), f.sink, h)
}
