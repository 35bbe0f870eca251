package nntp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/javi11/nzbfetch/internal/config"
	fetcherrors "github.com/javi11/nzbfetch/internal/errors"
)

// Pool is a bounded, FIFO-fair connection pool for a single provider.
// Grounded on decypharr's internal/nntp/pool.go (buffered-channel pool with
// atomic counters); generalized here for provider tiers and idle health
// checks per spec.md §4.3.
type Pool struct {
	provider config.ProviderConfig

	connections chan *Connection
	maxConns    int

	created int64 // atomic: lifetime dial count, for diagnostics
	active  int64 // atomic: currently leased-out connections

	log *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPool dials up to provider.MaxConnections connections concurrently (as
// decypharr's initializeConnections does) and returns a pool that serves
// them out FIFO via the buffered channel. A provider with Type ==
// ProviderDisabled yields a pool with zero capacity that Get always fails
// fast on.
func NewPool(ctx context.Context, provider config.ProviderConfig, log *slog.Logger) (*Pool, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		provider:    provider,
		maxConns:    provider.MaxConnections,
		log:         log.With("component", "nntp.pool", "provider", provider.ID),
		closed:      make(chan struct{}),
	}
	if provider.Type == config.ProviderDisabled || p.maxConns <= 0 {
		p.connections = make(chan *Connection)
		return p, nil
	}

	p.connections = make(chan *Connection, p.maxConns)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var dialErr error
	for i := 0; i < p.maxConns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.dial(ctx)
			if err != nil {
				mu.Lock()
				if dialErr == nil {
					dialErr = err
				}
				mu.Unlock()
				return
			}
			p.connections <- conn
		}()
	}
	wg.Wait()

	if len(p.connections) == 0 && dialErr != nil {
		return nil, fmt.Errorf("nntp: provider %s: no connections established: %w", provider.ID, dialErr)
	}
	if dialErr != nil {
		p.log.Warn("some connections failed to establish", "err", dialErr, "established", len(p.connections), "wanted", p.maxConns)
	}
	return p, nil
}

func (p *Pool) dial(ctx context.Context) (*Connection, error) {
	opts := DialOptions{
		Host:               p.provider.Host,
		Port:               p.provider.Port,
		SSL:                p.provider.TLS,
		InsecureSkipVerify: p.provider.InsecureTLS,
		Username:           p.provider.Username,
		Password:           p.provider.Password,
	}
	conn, err := Dial(ctx, opts, p.log)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&p.created, 1)
	return conn, nil
}

// Get leases a connection, waiting FIFO (Go channel receive order) for one
// to free up. A connection that comes out of the pool broken is replaced
// by a fresh dial. Get honors ctx cancellation while waiting (spec.md
// §4.3 "a cancelled waiter must be removed cleanly, without leaking a
// permit").
func (p *Pool) Get(ctx context.Context) (*Connection, error) {
	if p.provider.Type == config.ProviderDisabled || p.maxConns <= 0 {
		return nil, fetcherrors.New(fetcherrors.KindCouldNotConnect, fmt.Sprintf("provider %s is disabled", p.provider.ID), nil)
	}
	select {
	case <-p.closed:
		return nil, fetcherrors.New(fetcherrors.KindCouldNotConnect, fmt.Sprintf("provider %s pool is closed", p.provider.ID), nil)
	default:
	}

	select {
	case conn, ok := <-p.connections:
		if !ok {
			return nil, fetcherrors.New(fetcherrors.KindCouldNotConnect, fmt.Sprintf("provider %s pool is closed", p.provider.ID), nil)
		}
		if conn.Broken() {
			replacement, err := p.dial(ctx)
			if err != nil {
				return nil, connectError(err)
			}
			conn = replacement
		}
		atomic.AddInt64(&p.active, 1)
		return conn, nil
	case <-ctx.Done():
		return nil, fetcherrors.New(fetcherrors.KindCancelled, "cancelled waiting for a connection", ctx.Err())
	}
}

// Put returns a connection to the pool. A broken connection is closed and
// not returned; a healthy connection that doesn't fit (pool shrunk under
// config reload) is closed rather than blocking the caller.
func (p *Pool) Put(conn *Connection) {
	if conn == nil {
		return
	}
	atomic.AddInt64(&p.active, -1)

	if conn.Broken() {
		_ = conn.Close()
		return
	}

	select {
	case p.connections <- conn:
	default:
		_ = conn.Close()
	}
}

// HealthCheck pings every idle connection currently sitting in the pool
// and discards+redials any that fail, draining the channel down to
// whatever is idle right now so it never blocks on leased-out connections.
func (p *Pool) HealthCheck(ctx context.Context) {
	idle := len(p.connections)
	for i := 0; i < idle; i++ {
		select {
		case conn := <-p.connections:
			if err := conn.Ping(ctx); err != nil {
				p.log.Warn("idle connection failed health check, redialing", "err", err)
				_ = conn.Close()
				replacement, err := p.dial(ctx)
				if err != nil {
					p.log.Error("failed to redial after health check failure", "err", err)
					continue
				}
				conn = replacement
			}
			select {
			case p.connections <- conn:
			default:
				_ = conn.Close()
			}
		default:
			return
		}
	}
}

// Close drains and closes every connection in the pool.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		close(p.connections)
		for conn := range p.connections {
			if cerr := conn.Close(); cerr != nil {
				err = cerr
			}
		}
	})
	return err
}

// ConnectionCount reports the pool's configured capacity.
func (p *Pool) ConnectionCount() int { return p.maxConns }

// ActiveConnections reports how many connections are currently leased out.
func (p *Pool) ActiveConnections() int { return int(atomic.LoadInt64(&p.active)) }

// IdleConnections reports how many connections are currently sitting in
// the pool ready to be leased.
func (p *Pool) IdleConnections() int { return len(p.connections) }

// Provider returns the provider configuration this pool was built from.
func (p *Pool) Provider() config.ProviderConfig { return p.provider }

const defaultHealthCheckInterval = 2 * time.Minute
