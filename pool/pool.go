// Package pool keeps a small set of pre-authenticated channel.Channel
// values warm in the background, so a caller asking for one never pays
// the handshake's round trips on the hot path.
//
// Grounded on the teacher's SessionManager: the same sync.Mutex plus a
// sync.WaitGroup-gated warm-up pass, and the same periodic household()
// reaping loop, adapted to hand out *channel.Channel instead of
// *securechannel.SecureChannel and to build each one from a caller-
// supplied Factory instead of a single fixed password.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/vaultkeys/scp-go/channel"
	applog "github.com/vaultkeys/scp-go/log"
)

// ErrEmpty is returned by Get when no warm channel is currently
// available, e.g. every session is mid-rebuild or the last household
// pass failed to authenticate any of them.
var ErrEmpty = errors.New("pool: no channel available")

// Factory builds, selects, and authenticates one fresh channel. Pool
// calls it from its own goroutines during warm-up and reaping, never
// holding its internal lock while doing so.
type Factory func(ctx context.Context) (*channel.Channel, error)

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = applog.WithComponent(l, "pool") }
}

// WithMaxMessages overrides the default retirement threshold: a channel
// whose MessageCount reaches n is closed and replaced on the next
// household pass rather than handed out again.
func WithMaxMessages(n uint32) Option {
	return func(p *Pool) { p.maxMessages = n }
}

// WithHouseholdInterval overrides the default period between reaping
// passes.
func WithHouseholdInterval(d time.Duration) Option {
	return func(p *Pool) { p.interval = d }
}

// Pool is a bounded set of warm, pre-authenticated channels. The zero
// value is not usable; construct one with New.
type Pool struct {
	lock     sync.Mutex
	channels []*channel.Channel

	factory     Factory
	size        uint
	maxMessages uint32
	interval    time.Duration
	log         *slog.Logger

	creationWait sync.WaitGroup

	closeOnce sync.Once
	stop      chan struct{}
}

const (
	defaultMaxMessages       = 1000
	defaultHouseholdInterval = 5 * time.Second
	maxPoolSize              = 16
)

// New builds a Pool of at most size warm channels built by factory, and
// starts its background maintenance goroutine. size above maxPoolSize
// is rejected, mirroring the teacher's own session-limit guard.
func New(ctx context.Context, factory Factory, size uint, opts ...Option) (*Pool, error) {
	if size > maxPoolSize {
		return nil, fmt.Errorf("pool: size %d exceeds the %d-channel limit", size, maxPoolSize)
	}

	p := &Pool{
		channels:    make([]*channel.Channel, 0, size),
		factory:     factory,
		size:        size,
		maxMessages: defaultMaxMessages,
		interval:    defaultHouseholdInterval,
		log:         applog.Discard(),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.household(ctx)

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.household(ctx)
			}
		}
	}()

	return p, nil
}

// household retires overused or dead channels, then tops the pool back
// up to size in parallel, blocking until every warm-up attempt this
// pass has either succeeded or failed.
func (p *Pool) household(ctx context.Context) {
	var toClose []*channel.Channel

	p.lock.Lock()
	live := p.channels[:0]
	for _, ch := range p.channels {
		if ch.State() == channel.StateTerminated || ch.MessageCount() >= p.maxMessages {
			toClose = append(toClose, ch)
			continue
		}
		live = append(live, ch)
	}
	p.channels = live
	missing := int(p.size) - len(p.channels)
	p.lock.Unlock()

	for _, ch := range toClose {
		go func(ch *channel.Channel) {
			if err := ch.Close(); err != nil {
				p.log.Warn("closing retired channel", slog.Any("error", err))
			}
		}(ch)
	}

	for i := 0; i < missing; i++ {
		p.creationWait.Add(1)
		go func() {
			defer p.creationWait.Done()

			ch, err := p.factory(ctx)
			if err != nil {
				p.log.Warn("warming pool channel", slog.Any("error", err))
				return
			}

			p.lock.Lock()
			defer p.lock.Unlock()
			p.channels = append(p.channels, ch)
		}()
	}

	p.creationWait.Wait()
}

// Get returns a random warm channel from the pool, or ErrEmpty if none
// is currently available. Callers share the returned Channel; its own
// channelLock, not Pool, serializes concurrent use.
func (p *Pool) Get() (*channel.Channel, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if len(p.channels) == 0 {
		return nil, ErrEmpty
	}
	return p.channels[rand.Intn(len(p.channels))], nil
}

// Len reports how many warm channels are currently held.
func (p *Pool) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.channels)
}

// Close stops the maintenance goroutine and closes every warm channel.
// Close is idempotent.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() { close(p.stop) })

	p.lock.Lock()
	channels := p.channels
	p.channels = nil
	p.lock.Unlock()

	var firstErr error
	for _, ch := range channels {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
