package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/adapters/relayclient"
	"github.com/dkeye/voicemesh/internal/adapters/rtc"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/logging"
	"github.com/dkeye/voicemesh/internal/voice"
)

func main() {
	join := flag.String("join", "", "voice channel to join")
	call := flag.String("call", "", "user id to call")
	autoAccept := flag.Bool("auto-accept", false, "answer incoming calls automatically")
	userID := flag.String("user", "", "user id (overrides config)")
	username := flag.String("name", "", "display name (overrides config)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logging.Setup("info", "")
	cfg, v, err := config.LoadClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	closer := logging.Setup(cfg.LogLevel, cfg.LogFile)
	defer closer.Close()
	config.WatchLogLevel(v, logging.SetLevel)

	if *userID != "" {
		cfg.UserID = *userID
	}
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
	}
	if *username != "" {
		cfg.Username = *username
	}
	cfg.AutoAccept = cfg.AutoAccept || *autoAccept

	self, err := domain.NewUser(domain.UserID(cfg.UserID), cfg.Username)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid identity")
	}

	relay, err := relayclient.Dial(ctx, relayclient.Options{
		URL:        cfg.RelayURL,
		UserID:     self.ID,
		Username:   self.Username,
		PingPeriod: cfg.PingPeriod,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("relay")
	}

	api, err := rtc.NewAPI(rtc.NewLoggerFactory())
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc api")
	}
	received := rtc.NewPacketCounter()
	factory := rtc.NewFactory(api, rtc.WebRTCConfig(cfg.ICEServers), received)

	// the loop outlives ctx so Shutdown can still send leave and call-end
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	var client *voice.Client
	client = voice.NewClient(voice.Options{
		Self:      *self,
		Relay:     relay,
		Media:     rtc.NewAudioSource(true),
		Transport: factory,
		Hooks: voice.Hooks{
			OnCallState: func(s voice.CallState, peer domain.UserID) {
				log.Info().Str("module", "client").Str("state", s.String()).Str("peer", string(peer)).Msg("call state")
			},
			OnIncomingCall: func(from domain.UserID, name string) {
				log.Info().Str("module", "client").Str("from", string(from)).Str("username", name).Bool("auto_accept", cfg.AutoAccept).Msg("incoming call")
				if cfg.AutoAccept {
					// hooks run on the loop; intents must not
					go func() {
						if err := client.AcceptCall(ctx); err != nil {
							log.Error().Err(err).Str("module", "client").Msg("accept")
						}
					}()
				}
			},
			OnChannelPeers: func(ch domain.ChannelID, peers []domain.UserID) {
				log.Info().Str("module", "client").Str("channel", string(ch)).Interface("peers", peers).Msg("channel peers")
			},
			OnError: func(err error) {
				log.Warn().Err(err).Str("module", "client").Msg("voice error")
			},
		},
	})

	go func() { _ = client.Run(loopCtx) }()
	go func() {
		if err := relay.Run(loopCtx, client.Deliver); err != nil && loopCtx.Err() == nil {
			log.Error().Err(err).Str("module", "client").Msg("relay lost")
			cancel()
		}
	}()

	log.Info().Str("module", "client").Str("user", string(self.ID)).Str("username", self.Username).Msg("voice client ready")

	if *join != "" {
		if err := client.JoinChannel(ctx, domain.ChannelID(*join)); err != nil {
			log.Error().Err(err).Str("module", "client").Msg("join")
		}
	}
	if *call != "" {
		if err := client.StartCall(ctx, domain.UserID(*call)); err != nil {
			log.Error().Err(err).Str("module", "client").Msg("call")
		}
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdown(client, relay)
			return
		case <-ticker.C:
			for peer, st := range received.Snapshot() {
				log.Info().Str("module", "client").Str("peer", string(peer)).Uint64("packets", st.Packets).Uint64("bytes", st.Bytes).Msg("received audio")
			}
		}
	}
}

func shutdown(client *voice.Client, relay *relayclient.Client) {
	log.Info().Str("module", "client").Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("shutdown")
	}
	relay.Drain(time.Second)
}
