package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"callcore/native/internal/api"
	"callcore/native/internal/call"
	"callcore/native/internal/config"
	"callcore/native/internal/domain"
	sigclient "callcore/native/internal/signal"
	"callcore/native/internal/webrtc"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const helpText = `rtcall - two-party audio/video calls over a signaling relay

Usage:
  rtcall [options]

Settings come from flags, RTCALL_* environment variables, a .env file and an
optional YAML file (--config), in that order of precedence.

Commands (stdin):
  call <peer> [audio|video]   start a call (audio by default)
  accept | reject             answer or decline the ringing call
  hangup                      end the current call
  mute | video                toggle microphone or camera
  state                       print the current call state
  quit                        hang up and exit

Example:
  rtcall --peer-id alice --token alice --signal-url ws://localhost:8080/ws --media-source synthetic

Options:
`

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	fs := config.NewFlagSet("rtcall")
	cfg, err := config.Load(fs, os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		fmt.Print(helpText)
		fmt.Print(fs.FlagUsages())
		os.Exit(0)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.ValidateClient(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Logger

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	iceServers, err := cfg.ICEServerList()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid ice servers")
	}

	// A ticket service supplies the relay token, and may supply the relay
	// address and ICE servers too.
	var tokens domain.TokenProvider = api.StaticToken(cfg.Token)
	signalURL := cfg.SignalURL
	if cfg.TicketURL != "" {
		src := api.NewTokenSource(api.NewClient(cfg.TicketURL, nil), cfg.Token)
		ticket, err := src.Ticket(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("get ticket")
		}
		log.Info().Str("signal", ticket.SignalServer).Time("expires", ticket.ExpiresAt).Msg("ticket obtained")
		if signalURL == "" {
			signalURL = ticket.SignalServer
		}
		iceServers = append(iceServers, ticket.ICEServers...)
		tokens = src
	}
	if signalURL == "" {
		log.Fatal().Msg("no signaling URL configured or issued")
	}

	peers, err := webrtc.NewFactory(webrtc.FactoryConfig{
		ICEServers:    iceServers,
		AllowLoopback: cfg.AllowLoopback,
		Logger:        &logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create peer factory")
	}

	var capture domain.MediaCapture = webrtc.NewSyntheticCapture(&logger)
	if cfg.MediaSource == config.MediaDevice {
		dc, err := webrtc.NewDeviceCapture(&logger)
		if err != nil {
			log.Warn().Err(err).Msg("device capture unavailable, using synthetic media")
		} else {
			capture = dc
		}
	}

	sc := sigclient.NewClient(sigclient.Config{
		URL:                  signalURL,
		Tokens:               tokens,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBackoff:     cfg.ReconnectBackoff,
		PingInterval:         cfg.PingInterval,
		WriteTimeout:         cfg.WriteTimeout,
		Logger:               &logger,
	})

	mgr := call.NewManager(call.Config{
		LocalPeerID: cfg.PeerID,
		Transport:   sc,
		Capture:     capture,
		Peers:       peers,
		Logger:      &logger,
	})

	ui := newConsole(mgr, os.Stdout, cfg.RingTimeout, cfg.RecordDir, logger)
	mgr.OnStateChange(ui.onState)

	if err := sc.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("signal connect failed, retrying in background")
	}
	log.Info().Str("peer", cfg.PeerID).Str("signal", signalURL).Msg("ready")

	go ui.run(ctx, os.Stdin, cancel)

	<-ctx.Done()
	log.Info().Msg("shutting down")

	mgr.Close()
	sc.Close()

	log.Info().Msg("done")
}
