package signal

import (
	"context"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/metrics"
	"github.com/dkeye/voicemesh/internal/signaling"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) pingPeriod() time.Duration {
	if ctl.PingPeriod > 0 {
		return ctl.PingPeriod
	}
	return 54 * time.Second
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.pingPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sess core.MemberSession, c *WsSignalConn) {
	uid := string(sess.Meta().User.ID)
	defer func() {
		log.Info().Str("module", "signal").Str("user", uid).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.Orch.Disconnect(sess)
		if _, online := ctl.Orch.Registry.GetSession(sess.Meta().User.ID); !online && ctl.Limiter != nil {
			ctl.Limiter.Forget(sess.Meta().User.ID)
		}
	}()

	if ctl.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.ReadLimit)
	}
	// a peer that stops answering pings is dropped after two periods
	idle := 2 * ctl.pingPeriod()
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Info().Err(err).Str("module", "signal").Str("user", uid).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))
		ctl.handleSignal(sess, data)
	}
}

func (ctl *SignalWSController) handleSignal(sess core.MemberSession, data []byte) {
	msg, err := signaling.Parse(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("user", string(sess.Meta().User.ID)).Msg("bad message")
		ctl.Orch.Metrics.Drop(metrics.DropBadPayload)
		ctl.Orch.ReplyError(sess, signaling.ErrCodeBadPayload)
		return
	}
	ctl.Orch.Metrics.Message(string(msg.Type))

	switch {
	case msg.Type == signaling.TypeJoinChannel:
		ctl.handleJoin(sess, msg)
	case msg.Type == signaling.TypeLeaveChannel:
		ctl.handleLeave(sess, msg)
	case msg.Type == signaling.TypePing:
		ctl.handlePing(sess)
	case msg.Type == signaling.TypeWhoAmI:
		ctl.handleWhoAmI(sess)
	case msg.Type.IsTargeted():
		ctl.handleTargeted(sess, msg)
	default:
		log.Warn().Str("module", "signal").Str("type", string(msg.Type)).Msg("unexpected signal from client")
		ctl.Orch.ReplyError(sess, signaling.ErrCodeBadPayload)
	}
}
