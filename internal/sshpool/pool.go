// Package sshpool amortizes SSH handshake cost across a cluster's jobs:
// one bounded pool of long-lived sessions per cluster, with health checks,
// idle eviction, and mandatory host-key verification.
package sshpool

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultPoolSize     = 5
	acquireBackoff      = 500 * time.Millisecond
	healthCheckInterval = 60 * time.Second
	healthCheckFailures = 3
	maxConnectionAge    = time.Hour
	maxConnectionIdle   = 5 * time.Minute
)

// Credentials is the opaque bundle a secrets provider resolves for a
// cluster: either a private key or a password.
type Credentials struct {
	User            string
	PrivateKeyPEM   []byte
	Password        string
	AgentForwarding bool
}

// ClusterDialer resolves connection parameters for a cluster. The pool asks
// it for fresh credentials and endpoint info on every new connection.
type ClusterDialer interface {
	DialInfo(ctx context.Context, clusterID int64) (addr string, creds Credentials, err error)
}

// conn wraps an *ssh.Client with the pool's bookkeeping.
type conn struct {
	client        *ssh.Client
	createdAt     time.Time
	lastUsedAt    time.Time
	inUse         bool
	failureStreak int
}

// clusterPool is the per-cluster bounded set of connections.
type clusterPool struct {
	mu      sync.Mutex
	conns   []*conn
	size    int
	waiters chan struct{}
}

// Pool manages one clusterPool per cluster ID.
type Pool struct {
	dialer         ClusterDialer
	knownHostsPath string
	poolSize       int

	mu      sync.Mutex
	pools   map[int64]*clusterPool
	breaker map[int64]*gobreaker.CircuitBreaker

	stopHealth chan struct{}
}

// New constructs a Pool. knownHostsPath is resolved (e.g. to ~/.ssh/known_hosts)
// by the caller; host-key verification against it is never optional.
func New(dialer ClusterDialer, knownHostsPath string, poolSize int) *Pool {
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	p := &Pool{
		dialer:         dialer,
		knownHostsPath: knownHostsPath,
		poolSize:       poolSize,
		pools:          make(map[int64]*clusterPool),
		breaker:        make(map[int64]*gobreaker.CircuitBreaker),
		stopHealth:     make(chan struct{}),
	}
	go p.healthLoop()
	return p
}

// Close stops background health checking and closes every open connection.
func (p *Pool) Close() error {
	close(p.stopHealth)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cp := range p.pools {
		cp.mu.Lock()
		for _, c := range cp.conns {
			c.client.Close()
		}
		cp.conns = nil
		cp.mu.Unlock()
	}
	return nil
}

func (p *Pool) clusterPoolFor(clusterID int64) *clusterPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp, ok := p.pools[clusterID]
	if !ok {
		cp = &clusterPool{waiters: make(chan struct{}, 1)}
		p.pools[clusterID] = cp
		p.breaker[clusterID] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    fmt.Sprintf("ssh-cluster-%d", clusterID),
			Timeout: 30 * time.Second,
		})
	}
	return cp
}

// Acquire returns a healthy connection for clusterID, creating one if the
// pool has capacity, or waiting with backoff if it is saturated.
func (p *Pool) Acquire(ctx context.Context, clusterID int64) (*ssh.Client, error) {
	cp := p.clusterPoolFor(clusterID)
	breaker := p.breakerFor(clusterID)

	for {
		cp.mu.Lock()
		for _, c := range cp.conns {
			if !c.inUse {
				c.inUse = true
				c.lastUsedAt = time.Now()
				cp.mu.Unlock()
				return c.client, nil
			}
		}
		canCreate := len(cp.conns) < p.poolSize
		cp.mu.Unlock()

		if canCreate {
			client, err := breaker.Execute(func() (any, error) {
				return p.dial(ctx, clusterID)
			})
			if err != nil {
				return nil, fmt.Errorf("dial cluster %d: %w", clusterID, err)
			}
			sshClient := client.(*ssh.Client)
			cp.mu.Lock()
			cp.conns = append(cp.conns, &conn{
				client: sshClient, createdAt: time.Now(), lastUsedAt: time.Now(), inUse: true,
			})
			cp.mu.Unlock()
			return sshClient, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquireBackoff):
		}
	}
}

// Release returns a connection to its pool for reuse.
func (p *Pool) Release(clusterID int64, client *ssh.Client) {
	cp := p.clusterPoolFor(clusterID)
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for _, c := range cp.conns {
		if c.client == client {
			c.inUse = false
			c.lastUsedAt = time.Now()
			return
		}
	}
}

func (p *Pool) breakerFor(clusterID int64) *gobreaker.CircuitBreaker {
	p.clusterPoolFor(clusterID) // ensures breaker is initialized
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.breaker[clusterID]
}

func (p *Pool) dial(ctx context.Context, clusterID int64) (*ssh.Client, error) {
	addr, creds, err := p.dialer.DialInfo(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("resolve dial info: %w", err)
	}

	hostKeyCallback, err := p.hostKeyCallback()
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w (hint: run ssh-keyscan and add the host key)", p.knownHostsPath, err)
	}

	auths, err := authMethods(creds)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	}

	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return client, nil
}

// hostKeyCallback ALWAYS verifies against the known_hosts file; there is no
// insecure fallback.
func (p *Pool) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if _, err := os.Stat(p.knownHostsPath); err != nil {
		return nil, err
	}
	return knownhosts.New(p.knownHostsPath)
}

func authMethods(creds Credentials) ([]ssh.AuthMethod, error) {
	if len(creds.PrivateKeyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(creds.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if creds.Password != "" {
		return []ssh.AuthMethod{ssh.Password(creds.Password)}, nil
	}
	return nil, fmt.Errorf("no usable credentials: neither private key nor password supplied")
}

// healthLoop runs the idle-connection health check / age-based recycling /
// idle eviction.
func (p *Pool) healthLoop() {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopHealth:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	pools := make(map[int64]*clusterPool, len(p.pools))
	for id, cp := range p.pools {
		pools[id] = cp
	}
	p.mu.Unlock()

	now := time.Now()
	for _, cp := range pools {
		cp.mu.Lock()
		var kept []*conn
		for _, c := range cp.conns {
			if c.inUse {
				kept = append(kept, c)
				continue
			}
			switch {
			case now.Sub(c.createdAt) > maxConnectionAge:
				c.client.Close()
			case now.Sub(c.lastUsedAt) > maxConnectionIdle:
				c.client.Close()
			default:
				if !pingHealthy(c.client) {
					c.failureStreak++
				} else {
					c.failureStreak = 0
				}
				if c.failureStreak >= healthCheckFailures {
					c.client.Close()
					continue
				}
				kept = append(kept, c)
			}
		}
		cp.conns = kept
		cp.mu.Unlock()
	}
}

// pingHealthy runs a cheap remote command to verify the connection is alive.
func pingHealthy(client *ssh.Client) bool {
	session, err := client.NewSession()
	if err != nil {
		return false
	}
	defer session.Close()
	return session.Run("true") == nil
}
