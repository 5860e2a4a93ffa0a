package rtc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const FrameDuration = 20 * time.Millisecond

// opusSilence is a single Opus frame that decodes to 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// AudioTrack is the local Opus track shared by every PeerConnection of a
// session. Samples written while disabled are dropped.
type AudioTrack struct {
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
}

func newAudioTrack() (*AudioTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"voice-"+uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}
	t := &AudioTrack{local: local}
	t.enabled.Store(true)
	return t, nil
}

func (t *AudioTrack) ID() string                    { return t.local.StreamID() }
func (t *AudioTrack) SetEnabled(enabled bool)       { t.enabled.Store(enabled) }
func (t *AudioTrack) Enabled() bool                 { return t.enabled.Load() }
func (t *AudioTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *AudioTrack) WriteSample(s media.Sample) error {
	if !t.Enabled() {
		return nil
	}
	return t.local.WriteSample(s)
}

// AudioSource is a core.MediaSource producing one AudioTrack at a time.
// With silence enabled it feeds Opus silence frames so peers receive RTP
// without a capture device.
type AudioSource struct {
	silence bool

	mu     sync.Mutex
	track  *AudioTrack
	cancel context.CancelFunc
}

func NewAudioSource(silence bool) *AudioSource {
	return &AudioSource{silence: silence}
}

func (s *AudioSource) Acquire(ctx context.Context) (core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track != nil {
		return s.track, nil
	}
	t, err := newAudioTrack()
	if err != nil {
		return nil, err
	}
	s.track = t
	if s.silence {
		feedCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go feedSilence(feedCtx, t)
	}
	log.Info().Str("module", "rtc.audio").Str("track", t.ID()).Msg("audio track acquired")
	return t, nil
}

func (s *AudioSource) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	log.Info().Str("module", "rtc.audio").Str("track", s.track.ID()).Msg("audio track released")
	s.track = nil
}

func feedSilence(ctx context.Context, t *AudioTrack) {
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.WriteSample(media.Sample{Data: opusSilence, Duration: FrameDuration}); err != nil {
				log.Debug().Err(err).Str("module", "rtc.audio").Msg("write silence")
			}
		}
	}
}

// AudioSink receives remote RTP packets, one call per packet.
type AudioSink interface {
	OnPacket(remote domain.UserID, pkt *rtp.Packet)
}

// PacketCounter is an AudioSink that only counts packets and payload bytes
// per remote user.
type PacketCounter struct {
	mu    sync.Mutex
	stats map[domain.UserID]PacketStats
}

type PacketStats struct {
	Packets uint64
	Bytes   uint64
	LastSeq uint16
}

func NewPacketCounter() *PacketCounter {
	return &PacketCounter{stats: make(map[domain.UserID]PacketStats)}
}

func (c *PacketCounter) OnPacket(remote domain.UserID, pkt *rtp.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats[remote]
	st.Packets++
	st.Bytes += uint64(len(pkt.Payload))
	st.LastSeq = pkt.SequenceNumber
	c.stats[remote] = st
}

func (c *PacketCounter) Stats(remote domain.UserID) PacketStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats[remote]
}

func (c *PacketCounter) Snapshot() map[domain.UserID]PacketStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[domain.UserID]PacketStats, len(c.stats))
	for k, v := range c.stats {
		out[k] = v
	}
	return out
}
