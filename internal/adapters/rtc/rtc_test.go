package rtc

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerFactory_WritesScopedEntries(t *testing.T) {
	var buf bytes.Buffer
	lf := &LoggerFactory{Base: zerolog.New(&buf).Level(zerolog.DebugLevel)}
	l := lf.NewLogger("ice")

	l.Tracef("hidden %d", 1)
	l.Infof("gathered %d candidates", 3)
	l.Warn("slow")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"scope":"ice"`)
	assert.Contains(t, out, `"module":"pion"`)
	assert.Contains(t, out, "gathered 3 candidates")
	assert.Contains(t, out, `"level":"warn"`)
}

func TestAudioSource_AcquireRelease(t *testing.T) {
	src := NewAudioSource(false)

	tr, err := src.Acquire(context.Background())
	require.NoError(t, err)
	again, err := src.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, tr, again)
	assert.True(t, tr.Enabled())

	tr.SetEnabled(false)
	assert.False(t, tr.Enabled())
	_, ok := tr.(webrtcTrack)
	assert.True(t, ok)

	src.Release()
	src.Release()
	next, err := src.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, tr.ID(), next.ID())
}

func TestAudioSource_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewAudioSource(true).Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPacketCounter(t *testing.T) {
	c := NewPacketCounter()
	c.OnPacket("bob", &rtp.Packet{Header: rtp.Header{SequenceNumber: 7}, Payload: []byte{1, 2, 3}})
	c.OnPacket("bob", &rtp.Packet{Header: rtp.Header{SequenceNumber: 8}, Payload: []byte{4}})

	st := c.Stats("bob")
	assert.Equal(t, uint64(2), st.Packets)
	assert.Equal(t, uint64(4), st.Bytes)
	assert.Equal(t, uint16(8), st.LastSeq)
	assert.Len(t, c.Snapshot(), 1)
}

type plainTrack struct{}

func (plainTrack) ID() string      { return "plain" }
func (plainTrack) SetEnabled(bool) {}
func (plainTrack) Enabled() bool   { return true }

func TestFactory_RejectsForeignTrack(t *testing.T) {
	api, err := NewAPI(nil)
	require.NoError(t, err)
	f := NewFactory(api, WebRTCConfig(nil), nil)
	_, err = f.NewTransport("bob", plainTrack{}, core.TransportHandlers{})
	assert.ErrorIs(t, err, ErrUnsupportedTrack)
}

// TestConnection_Loopback negotiates two real PeerConnections in-process
// and waits for silence frames to arrive.
func TestConnection_Loopback(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback ICE in short mode")
	}
	api, err := NewAPI(NewLoggerFactory())
	require.NoError(t, err)
	cfg := WebRTCConfig(nil)

	sinkB := NewPacketCounter()
	srcA, srcB := NewAudioSource(true), NewAudioSource(false)
	defer srcA.Release()
	defer srcB.Release()
	trackA, err := srcA.Acquire(context.Background())
	require.NoError(t, err)
	trackB, err := srcB.Acquire(context.Background())
	require.NoError(t, err)

	connected := make(chan struct{}, 2)
	h := core.TransportHandlers{
		OnStateChange: func(s webrtc.PeerConnectionState) {
			if s == webrtc.PeerConnectionStateConnected {
				connected <- struct{}{}
			}
		},
	}

	a, err := NewFactory(api, cfg, NewPacketCounter()).NewTransport("b", trackA, h)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewFactory(api, cfg, sinkB).NewTransport("a", trackB, h)
	require.NoError(t, err)
	defer b.Close()
	pcA, pcB := a.(*Connection).pc, b.(*Connection).pc

	// candidates travel inside the descriptions
	_, err = a.CreateAndSetOffer()
	require.NoError(t, err)
	<-webrtc.GatheringCompletePromise(pcA)

	_, err = b.ApplyOfferAndCreateAnswer(*pcA.LocalDescription())
	require.NoError(t, err)
	<-webrtc.GatheringCompletePromise(pcB)
	require.NoError(t, a.ApplyAnswer(*pcB.LocalDescription()))

	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case <-time.After(10 * time.Second):
			t.Fatal("peers did not connect")
		}
	}
	assert.Eventually(t, func() bool { return sinkB.Stats("a").Packets > 0 }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}
