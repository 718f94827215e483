package ldap

import (
	"context"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"

	"github.com/isometry/dirmand/internal/direrr"
)

// poolPollInterval is how often a waiter re-checks for a free slot when the
// pool is at capacity.
const poolPollInterval = 50 * time.Millisecond

// connPool hands out bound connections up to Config.PoolSize. Idle
// connections are reused until they sit unused past ConnectionTTL, then
// unbound on the next sweep.
type connPool struct {
	cfg *Config
	log zerolog.Logger

	// dial is swapped by tests to avoid a live directory.
	dial func(ctx context.Context, cfg *Config) (Conn, error)

	mu     sync.Mutex
	idle   []*PooledConn // most recently used last
	live   int           // idle + handed out
	closed bool

	created   atomic.Uint64
	discarded atomic.Uint64

	now func() time.Time
}

func newConnPool(cfg *Config, log zerolog.Logger) *connPool {
	return &connPool{
		cfg:  cfg,
		log:  log.With().Str("component", "ldap-pool").Logger(),
		dial: dialAndBind,
		now:  time.Now,
	}
}

// Get returns a bound connection: an idle one when available, a fresh one
// while below capacity, otherwise it polls until a slot frees or the context
// is done.
func (p *connPool) Get(ctx context.Context) (*PooledConn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, direrr.New(direrr.KindIOFailed, "ldap.pool", "", "connection pool is closed")
		}

		p.sweepLocked()

		if n := len(p.idle); n > 0 {
			pc := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return pc, nil
		}

		if p.live < p.cfg.PoolSize {
			p.live++ // reserve the slot before dialing
			p.mu.Unlock()

			conn, err := p.dial(ctx, p.cfg)
			if err != nil {
				p.mu.Lock()
				p.live--
				p.mu.Unlock()
				return nil, err
			}
			p.created.Add(1)
			now := p.now()
			return &PooledConn{Conn: conn, created: now, lastUsed: now}, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, direrr.Wrap(direrr.KindIOFailed, "ldap.pool", "", ctx.Err())
		case <-time.After(poolPollInterval):
		}
	}
}

// Put returns a connection to the free set.
func (p *connPool) Put(pc *PooledConn) {
	if pc == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || pc.Conn.IsClosing() {
		p.dropLocked(pc)
		return
	}
	pc.lastUsed = p.now()
	p.idle = append(p.idle, pc)
}

// Discard closes a connection instead of returning it, freeing its slot.
// Called after wire errors that leave the connection state unknown.
func (p *connPool) Discard(pc *PooledConn) {
	if pc == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropLocked(pc)
}

// Close unbinds every idle connection and rejects further use. Connections
// still handed out are closed when returned.
func (p *connPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, pc := range p.idle {
		p.dropLocked(pc)
	}
	p.idle = nil
}

// Stats returns a usage snapshot.
func (p *connPool) Stats() PoolStats {
	p.mu.Lock()
	live, idle := p.live, len(p.idle)
	p.mu.Unlock()
	return PoolStats{
		Live:      live,
		Idle:      idle,
		Created:   p.created.Load(),
		Discarded: p.discarded.Load(),
	}
}

// sweepLocked unbinds idle connections past their TTL.
func (p *connPool) sweepLocked() {
	cutoff := p.now().Add(-p.cfg.ConnectionTTL)
	kept := p.idle[:0]
	for _, pc := range p.idle {
		if pc.lastUsed.Before(cutoff) {
			p.dropLocked(pc)
			continue
		}
		kept = append(kept, pc)
	}
	p.idle = kept
}

func (p *connPool) dropLocked(pc *PooledConn) {
	if err := pc.Conn.Close(); err != nil {
		p.log.Debug().Err(err).Msg("closing pooled connection")
	}
	p.live--
	p.discarded.Add(1)
}

// dialAndBind connects to the first reachable configured URL and binds with
// the configured method. A terminal bind rejection surfaces as
// LDAP_BIND_FAILED.
func dialAndBind(ctx context.Context, cfg *Config) (Conn, error) {
	var lastErr error
	for _, raw := range cfg.URLs {
		conn, err := dialOne(ctx, cfg, raw)
		if err != nil {
			lastErr = err
			continue
		}
		return conn, nil
	}
	if lastErr == nil {
		lastErr = direrr.New(direrr.KindConfigInvalid, "ldap.dial", "", "no LDAP URLs configured")
	}
	return nil, lastErr
}

func dialOne(ctx context.Context, cfg *Config, raw string) (Conn, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, direrr.Wrapf(direrr.KindConfigInvalid, "ldap.dial", "", err, "invalid URL %q", raw)
	}

	opts := []ldap.DialOpt{}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, ldap.DialWithDialer(&net.Dialer{Timeout: cfg.ConnectTimeout}))
	}
	if u.Scheme == "ldaps" {
		opts = append(opts, ldap.DialWithTLSConfig(cfg.tlsConfig(u.Hostname())))
	}

	conn, err := ldap.DialURL(raw, opts...)
	if err != nil {
		return nil, direrr.Wrapf(direrr.KindIOFailed, "ldap.dial", "", err, "cannot reach %s", raw)
	}
	conn.SetTimeout(cfg.TimeLimit)

	switch cfg.AuthMethod {
	case AuthKerberos:
		err = kerberosBind(conn, cfg, u.Hostname())
	default:
		err = conn.Bind(cfg.BindDN, cfg.BindPassword)
	}
	if err != nil {
		_ = conn.Close()
		if classified := classify("ldap.bind", "", err); direrr.IsKind(classified, direrr.KindBindFailed) {
			return nil, classified
		}
		return nil, direrr.Wrapf(direrr.KindBindFailed, "ldap.bind", "", err, "bind to %s failed", raw)
	}

	select {
	case <-ctx.Done():
		_ = conn.Close()
		return nil, direrr.Wrap(direrr.KindIOFailed, "ldap.dial", "", ctx.Err())
	default:
	}
	return conn, nil
}
