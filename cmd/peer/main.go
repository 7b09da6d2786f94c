package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/voicemesh/internal/adapters/rtc"
	"github.com/dkeye/voicemesh/internal/adapters/tunnel"
	"github.com/dkeye/voicemesh/internal/app/engine"
	"github.com/dkeye/voicemesh/internal/audio"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/filetransfer"
	"github.com/dkeye/voicemesh/internal/magiclink"
	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/relay"
	"github.com/dkeye/voicemesh/internal/security"
)

const (
	rosterEvery = 2 * time.Second
	linkPoll    = 250 * time.Millisecond
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadPeer(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("peer stopped")
	}
}

func run(ctx context.Context, cfg *config.PeerConfig) error {
	desc, err := magiclink.Decode(cfg.Link)
	if err != nil {
		return err
	}
	nick, err := domain.ParsePeerID(cfg.Nick)
	if err != nil {
		return err
	}
	sends, err := cfg.SendRequests()
	if err != nil {
		return err
	}
	room, err := pickRoom(cfg.Room, desc.Channels())
	if err != nil {
		return err
	}
	pinned, err := security.PinnedClientConfig(desc.Fingerprint())
	if err != nil {
		return err
	}

	tun, err := tunnel.Dial(ctx, tunnel.Options{
		URL:  tunnel.URL(desc.Address()),
		TLS:  pinned,
		Nick: nick,
		Room: room,
		Backoff: tunnel.Backoff{
			Initial:    cfg.Backoff.Initial,
			Max:        cfg.Backoff.Max,
			ResetAfter: cfg.Backoff.ResetAfter,
		},
		PingPeriod: cfg.PingPeriod,
	})
	if err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	defer tun.Close()

	turn := make([]rtc.TURN, 0, len(cfg.TURNServers))
	for _, t := range cfg.TURNServers {
		turn = append(turn, rtc.TURN{URL: t.URL, Username: t.Username, Credential: t.Credential})
	}
	factory := rtc.NewFactory(rtc.ICEConfig(cfg.ICEServers, turn), false)

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("download dir: %w", err)
	}

	var eng *engine.Engine
	pipe := audio.NewPipeline(nick, &audio.Silence{}, audio.Discard{},
		func(frame []byte) { eng.BroadcastAudio(frame) },
		audio.WithGate(cfg.VADThreshold, audio.DefaultHangover),
	)

	opts := []engine.Option{
		engine.WithAudioSink(func(f media.AudioFrame) { pipe.Deliver(f) }),
		engine.WithFileSink(filetransfer.DirSink{Dir: cfg.DownloadDir}),
	}
	relayOn := cfg.RelayEnabled && desc.RelayAddress() != ""
	if relayOn {
		addr := desc.RelayAddress()
		opts = append(opts, engine.WithRelay(func(ctx context.Context) (engine.RelayConn, error) {
			c, err := relay.Dial(ctx, addr, string(nick), string(room))
			if err != nil {
				return nil, err
			}
			return c, nil
		}))
	}
	eng, err = engine.New(tun, factory.New, engine.Config{
		Room:                   room,
		NegotiationTimeout:     cfg.NegotiationTimeout,
		MaxLinks:               cfg.MaxLinks,
		MaxMembersPerSuperpeer: cfg.MaxMembersPerSuperpeer,
		DirectEnabled:          cfg.DirectEnabled,
		RelayEnabled:           relayOn,
		TunnelGrace:            cfg.TunnelGrace,
	}, opts...)
	if err != nil {
		return err
	}

	pterm.DefaultHeader.Println("voicemesh " + string(room))
	pterm.Info.Printfln("joined as %s via %s", nick, desc.Address())

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return eng.Run(gctx)
	})
	g.Go(func() error { return pipe.Run(gctx) })
	g.Go(func() error {
		showRoster(gctx, eng, pipe)
		return nil
	})
	for _, req := range sends {
		g.Go(func() error {
			sendFile(gctx, eng, req)
			return nil
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-eng.Files():
				if !ok {
					return nil
				}
				reportFile(ev)
			}
		}
	})
	return g.Wait()
}

func pickRoom(raw string, channels []domain.RoomName) (domain.RoomName, error) {
	if raw == "" {
		return channels[0], nil
	}
	room, err := domain.ParseRoomName(raw)
	if err != nil {
		return "", err
	}
	if !slices.Contains(channels, room) {
		pterm.Warning.Printfln("%s is not advertised by this node", room)
	}
	return room, nil
}

func showRoster(ctx context.Context, eng *engine.Engine, pipe *audio.Pipeline) {
	t := time.NewTicker(rosterEvery)
	defer t.Stop()
	var last pterm.TableData
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		data := pterm.TableData{{"Nick", "Role", "State", "Via", ""}}
		for _, r := range eng.Roster() {
			speaking := ""
			if pipe.Speaking(r.Nick) {
				speaking = "speaking"
			}
			data = append(data, []string{string(r.Nick), r.Role.String(), string(r.State), string(r.Via), speaking})
		}
		if slices.EqualFunc(data, last, slices.Equal[[]string]) {
			continue
		}
		last = data
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			log.Debug().Err(err).Str("module", "peer").Msg("render roster")
		}
	}
}

// sendFile waits for a session with the target, then streams the file.
// A failed send is reported and does not stop the peer.
func sendFile(ctx context.Context, eng *engine.Engine, req config.SendRequest) {
	to, err := domain.ParsePeerID(req.Nick)
	if err != nil {
		pterm.Error.Printfln("send %s: %v", req.Path, err)
		return
	}
	t := time.NewTicker(linkPoll)
	defer t.Stop()
	for !slices.Contains(eng.Sessions(), to) {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}

	f, err := os.Open(req.Path)
	if err != nil {
		pterm.Error.Printfln("send %s: %v", req.Path, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		pterm.Error.Printfln("send %s: %v", req.Path, err)
		return
	}
	name := filepath.Base(req.Path)
	pterm.Info.Printfln("sending %s (%d bytes) to %s", name, info.Size(), to)
	if err := eng.SendFile(ctx, to, name, info.Size(), f); err != nil {
		pterm.Error.Printfln("send %s to %s: %v", name, to, err)
		return
	}
	log.Info().Str("module", "peer").Str("to", string(to)).Str("file", name).Msg("file sent, waiting for ack")
}

func reportFile(ev engine.FileEvent) {
	switch {
	case ev.Err != nil:
		pterm.Error.Printfln("file %s with %s failed: %v", ev.Name, ev.Peer, ev.Err)
	case ev.Incoming:
		pterm.Success.Printfln("received %s (%d bytes) from %s", ev.Name, ev.Size, ev.Peer)
	default:
		pterm.Success.Printfln("%s accepted %s", ev.Peer, ev.Name)
	}
}
