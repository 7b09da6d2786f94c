package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/voicemesh/internal/adapters/http"
	"github.com/dkeye/voicemesh/internal/app/orch"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/magiclink"
	"github.com/dkeye/voicemesh/internal/portmap"
	"github.com/dkeye/voicemesh/internal/relay"
	"github.com/dkeye/voicemesh/internal/security"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadNode(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("node stopped")
	}
	log.Info().Msg("Node exited gracefully")
}

func run(ctx context.Context, cfg *config.NodeConfig) error {
	cert, fingerprint, err := security.LoadOrGenerate(cfg.CertDir, cfg.PublicHost)
	if err != nil {
		return err
	}

	channels := make([]domain.RoomName, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		name, err := domain.ParseRoomName(ch)
		if err != nil {
			return fmt.Errorf("channel %q: %w", ch, err)
		}
		channels = append(channels, name)
	}
	var relayPort uint16
	if cfg.RelayEnabled {
		relayPort = uint16(cfg.RelayPort())
	}
	desc, err := magiclink.New(cfg.PublicHost, uint16(cfg.Port), channels, relayPort, fingerprint)
	if err != nil {
		return err
	}
	link, err := desc.Encode()
	if err != nil {
		return err
	}

	o := orch.New(nil)
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(ctx, cfg, o, link),
		TLSConfig:         security.ServerTLSConfig(cert),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lease := mapPorts(ctx, cfg)
	printBanner(cfg, link, fingerprint)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("module", "node").Str("addr", addr).Msg("tunnel server started")
		ln, err := tls.Listen("tcp", addr, srv.TLSConfig)
		if err != nil {
			return err
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.RelayEnabled {
		g.Go(func() error {
			relayAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.RelayPort()))
			return relay.NewServer().ListenAndServe(gctx, relayAddr)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Str("module", "node").Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		if lease != nil {
			if err := lease.Release(shutdownCtx); err != nil {
				log.Warn().Err(err).Str("module", "portmap").Msg("release")
			}
		}
		return nil
	})
	return g.Wait()
}

func mapPorts(ctx context.Context, cfg *config.NodeConfig) *portmap.Lease {
	if !cfg.PortMap {
		return nil
	}
	mappings := []portmap.Mapping{{Port: cfg.Port, Protocol: portmap.TCP, Name: "tunnel"}}
	if cfg.RelayEnabled {
		mappings = append(mappings, portmap.Mapping{Port: cfg.RelayPort(), Protocol: portmap.TCP, Name: "relay"})
	}
	return portmap.BestEffort(ctx, portmap.Noop{}, portmap.DefaultTimeout, mappings...)
}

func printBanner(cfg *config.NodeConfig, link, fingerprint string) {
	pterm.DefaultHeader.Println("voicemesh node")
	pterm.Info.Printfln("tunnel  %s:%d", cfg.PublicHost, cfg.Port)
	if cfg.RelayEnabled {
		pterm.Info.Printfln("relay   %s:%d", cfg.PublicHost, cfg.RelayPort())
	}
	pterm.Info.Printfln("cert    %s", fingerprint)
	pterm.Println()
	pterm.Success.Println("Share this link with your peers:")
	pterm.Println(link)
	pterm.Println()
}
