// Package portmap asks the gateway to forward the node's ports. Every failure
// is tolerated: a node without mappings still serves its LAN and VPN peers.
package portmap

//go:generate mockgen -destination=mock_mapper_test.go -package=portmap . Mapper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

const DefaultTimeout = 5 * time.Second

var ErrUnsupported = errors.New("port mapping unsupported")

type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

type Mapping struct {
	Port     int
	Protocol Protocol
	Name     string
}

func (m Mapping) String() string { return fmt.Sprintf("%s %d/%s", m.Name, m.Port, m.Protocol) }

// Mapper is a port-mapping protocol client.
type Mapper interface {
	Open(ctx context.Context, m Mapping) error
	Close(ctx context.Context, m Mapping) error
}

// Noop maps nothing.
type Noop struct{}

func (Noop) Open(context.Context, Mapping) error  { return ErrUnsupported }
func (Noop) Close(context.Context, Mapping) error { return nil }

type result struct {
	m   Mapping
	err error
}

// Lease holds the mappings that succeeded.
type Lease struct {
	mapper Mapper
	Mapped []Mapping
	Failed []Mapping
}

// BestEffort opens all mappings in parallel, each bounded by timeout.
func BestEffort(ctx context.Context, mapper Mapper, timeout time.Duration, mappings ...Mapping) *Lease {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p := pool.NewWithResults[result]()
	for _, m := range mappings {
		p.Go(func() result {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return result{m: m, err: mapper.Open(ctx, m)}
		})
	}

	lease := &Lease{mapper: mapper}
	for _, r := range p.Wait() {
		if r.err != nil {
			log.Warn().Err(r.err).Str("module", "portmap").Str("mapping", r.m.String()).Msg("port mapping failed, continuing without it")
			lease.Failed = append(lease.Failed, r.m)
			continue
		}
		log.Info().Str("module", "portmap").Str("mapping", r.m.String()).Msg("port mapped")
		lease.Mapped = append(lease.Mapped, r.m)
	}
	return lease
}

// Release removes every mapping that was opened.
func (l *Lease) Release(ctx context.Context) error {
	p := pool.New().WithErrors()
	for _, m := range l.Mapped {
		p.Go(func() error {
			if err := l.mapper.Close(ctx, m); err != nil {
				return fmt.Errorf("unmap %s: %w", m, err)
			}
			return nil
		})
	}
	err := p.Wait()
	l.Mapped = nil
	return err
}
