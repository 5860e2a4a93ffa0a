// Package voice coordinates peer-to-peer voice: 1:1 calls and full-mesh
// voice channels. Everything runs on a single event loop; inbound signaling,
// transport callbacks and UI intents are all serialized through it.
package voice

import (
	"context"
	"fmt"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/signaling"
	"github.com/rs/zerolog/log"
)

// env is what both sessions share. post must be safe from any goroutine.
type env struct {
	self    domain.User
	relay   core.Relay
	media   core.MediaSource
	factory core.TransportFactory
	post    func(func())
	hooks   Hooks
}

type Options struct {
	Self      domain.User
	Relay     core.Relay
	Media     core.MediaSource
	Transport core.TransportFactory
	Hooks     Hooks
}

// Client owns one CallSession and one ChannelMesh. At most one of them holds
// the MediaSource at any time.
type Client struct {
	loop *Loop
	env  *env
	call *CallSession
	mesh *ChannelMesh
}

func NewClient(opts Options) *Client {
	loop := NewLoop()
	e := &env{
		self:    opts.Self,
		relay:   opts.Relay,
		media:   opts.Media,
		factory: opts.Transport,
		hooks:   opts.Hooks,
		post:    func(fn func()) { loop.Post(fn) },
	}
	return &Client{
		loop: loop,
		env:  e,
		call: newCallSession(e),
		mesh: newChannelMesh(e),
	}
}

func (c *Client) Self() domain.User { return c.env.self }

// Run processes events until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	return c.loop.Run(ctx)
}

// Deliver queues an inbound relay message. Safe from any goroutine.
func (c *Client) Deliver(msg signaling.Message) {
	c.loop.Post(func() { c.route(msg) })
}

func (c *Client) StartCall(ctx context.Context, target domain.UserID) error {
	return c.loop.Do(ctx, func() error {
		if c.call.Active() {
			return ErrBusy
		}
		if target == c.env.self.ID {
			return c.report(ErrSelfCall)
		}
		c.leaveMesh()
		return c.report(c.call.StartCall(ctx, target))
	})
}

func (c *Client) AcceptCall(ctx context.Context) error {
	return c.loop.Do(ctx, func() error {
		if c.call.State() != CallRinging {
			return ErrNotRinging
		}
		c.leaveMesh()
		return c.report(c.call.Accept(ctx))
	})
}

func (c *Client) RejectCall(ctx context.Context) error {
	return c.loop.Do(ctx, func() error { return c.report(c.call.Reject()) })
}

func (c *Client) EndCall(ctx context.Context) error {
	return c.loop.Do(ctx, func() error { return c.report(c.call.Hangup()) })
}

func (c *Client) JoinChannel(ctx context.Context, channel domain.ChannelID) error {
	return c.loop.Do(ctx, func() error {
		if c.call.Active() {
			if err := c.call.Hangup(); err != nil {
				c.env.hooks.err(err)
			}
		}
		return c.report(c.mesh.Join(ctx, channel))
	})
}

func (c *Client) LeaveChannel(ctx context.Context) error {
	return c.loop.Do(ctx, func() error { return c.report(c.mesh.Leave()) })
}

// ToggleMute mutes whichever session holds the microphone.
func (c *Client) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := c.loop.Do(ctx, func() error {
		var err error
		// a ringing call has no track yet; the mesh may still hold one
		switch {
		case c.call.track != nil:
			muted, err = c.call.ToggleMute()
		case c.mesh.track != nil:
			muted, err = c.mesh.ToggleMute()
		default:
			err = ErrNoLocalTrack
		}
		return err
	})
	return muted, err
}

// Shutdown hangs up and leaves before the loop is stopped.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.loop.Do(ctx, func() error {
		callErr := c.call.Hangup()
		meshErr := c.mesh.Leave()
		if callErr != nil {
			return callErr
		}
		return meshErr
	})
}

type LinkSnapshot struct {
	Remote domain.UserID
	Role   LinkRole
	State  LinkState
}

type Snapshot struct {
	Call     CallState
	CallPeer domain.UserID
	CallLink *LinkSnapshot

	Channel domain.ChannelID
	Joined  bool
	Pending bool
	Links   []LinkSnapshot

	Muted bool
}

func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := c.loop.Do(ctx, func() error {
		s.Call = c.call.State()
		s.CallPeer = c.call.Peer()
		if l := c.call.Link(); l != nil {
			s.CallLink = &LinkSnapshot{Remote: l.Remote(), Role: l.Role(), State: l.State()}
		}
		s.Channel = c.mesh.Channel()
		s.Joined = c.mesh.Joined()
		s.Pending = c.mesh.Pending()
		for _, id := range c.mesh.Peers() {
			l := c.mesh.Link(id)
			s.Links = append(s.Links, LinkSnapshot{Remote: id, Role: l.Role(), State: l.State()})
		}
		s.Muted = c.call.Muted() || c.mesh.Muted()
		return nil
	})
	return s, err
}

func (c *Client) leaveMesh() {
	if err := c.mesh.Leave(); err != nil {
		c.env.hooks.err(err)
	}
}

func (c *Client) report(err error) error {
	c.env.hooks.err(err)
	return err
}

// route dispatches an inbound message by type and sender. Malformed or
// out-of-place messages are dropped; races are expected.
func (c *Client) route(msg signaling.Message) {
	from := msg.FromUserID
	switch msg.Type {
	case signaling.TypeCallOffer:
		if msg.Offer != nil {
			c.call.HandleOffer(from, msg.FromUsername, *msg.Offer)
		}
	case signaling.TypeCallAnswer:
		if msg.Answer != nil {
			c.call.HandleAnswer(from, *msg.Answer)
		}
	case signaling.TypeCallCandidate:
		if msg.Candidate != nil {
			c.call.HandleCandidate(from, *msg.Candidate)
		}
	case signaling.TypeCallEnd:
		c.call.HandleEnd(from)

	case signaling.TypeChannelUsers:
		c.mesh.HandleRoster(msg.ChannelID, msg.UserIDs)
	case signaling.TypeUserJoined:
		c.mesh.HandleUserJoined(msg.ChannelID, msg.UserID, msg.Username)
	case signaling.TypeUserLeft:
		c.mesh.HandleUserLeft(msg.ChannelID, msg.UserID)
	case signaling.TypeChannelOffer:
		if msg.Offer != nil {
			c.mesh.HandleOffer(from, msg.ChannelID, *msg.Offer)
		}
	case signaling.TypeChannelAnswer:
		if msg.Answer != nil {
			c.mesh.HandleAnswer(from, msg.ChannelID, *msg.Answer)
		}
	case signaling.TypeChannelCandidate:
		if msg.Candidate != nil {
			c.mesh.HandleCandidate(from, msg.ChannelID, *msg.Candidate)
		}

	case signaling.TypeError:
		if msg.ChannelID != "" && c.mesh.HandleJoinRejected(msg.ChannelID, msg.Error) {
			return
		}
		c.env.hooks.err(fmt.Errorf("relay: %s", msg.Error))
	case signaling.TypePong, signaling.TypeWhoAmI:
		log.Debug().Str("module", "voice").Str("type", string(msg.Type)).Msg("relay control")
	default:
		log.Warn().Str("module", "voice").Str("type", string(msg.Type)).Msg("unknown message")
	}
}
