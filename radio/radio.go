// Package radio is the public driver surface. A process opens one
// Context, enumerates the cards it can reach (in-process loopback,
// explicit network addresses, or mDNS discovery), and initializes each
// card it wants to drive. All streaming, tuning, and hop scheduling
// happens through the per-card handle returned by InitCard.
package radio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/rjboer/GoRFHost/internal/discovery"
	"github.com/rjboer/GoRFHost/transport"
)

var (
	// ErrAlreadyInitialized is returned when InitCard targets a card
	// that has not been exited since its previous init.
	ErrAlreadyInitialized = errors.New("radio: card already initialized")

	// ErrUnknownCard is returned when an id does not match any
	// enumerated card.
	ErrUnknownCard = errors.New("radio: unknown card id")

	// ErrStreaming is returned when a configuration change is refused
	// because a handle is actively streaming.
	ErrStreaming = errors.New("radio: operation not permitted while streaming")

	// ErrNotReady is returned when a streaming operation targets a card
	// initialized at basic level.
	ErrNotReady = errors.New("radio: card initialized at basic level only")

	// ErrExited is returned when a card handle is used after Exit.
	ErrExited = errors.New("radio: card exited")
)

// InitLevel selects how much of the card is brought up.
type InitLevel int

const (
	// LevelBasic opens the transport for identity and configuration
	// reads only; no streaming engines are started.
	LevelBasic InitLevel = iota

	// LevelFull additionally starts the receive delivery engine and
	// the transmit flow controller.
	LevelFull
)

func (l InitLevel) String() string {
	switch l {
	case LevelBasic:
		return "basic"
	case LevelFull:
		return "full"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// TransportFactory opens the transport for one enumerated card.
type TransportFactory func() (transport.Transport, error)

// Context is the process-scoped driver state: the set of reachable
// cards and which of them are currently initialized.
type Context struct {
	log          *log.Logger
	txWorkers    int
	txQueueDepth int

	mu        sync.Mutex
	factories map[string]TransportFactory
	active    map[string]*Card
}

// Option adjusts Open behavior.
type Option func(*openConfig) error

type openConfig struct {
	logger           *log.Logger
	loopbacks        []transport.LoopbackConfig
	addresses        []string
	discoveryTimeout time.Duration
	txWorkers        int
	txQueueDepth     int
}

// WithLogger sets the logger inherited by every card.
func WithLogger(logger *log.Logger) Option {
	return func(c *openConfig) error {
		c.logger = logger
		return nil
	}
}

// WithLoopback enumerates an in-process software card.
func WithLoopback(cfg transport.LoopbackConfig) Option {
	return func(c *openConfig) error {
		c.loopbacks = append(c.loopbacks, cfg)
		return nil
	}
}

// WithAddress enumerates a network-attached card at host:port.
func WithAddress(addr string) Option {
	return func(c *openConfig) error {
		if addr == "" {
			return errors.New("radio: empty card address")
		}
		c.addresses = append(c.addresses, addr)
		return nil
	}
}

// WithDiscovery browses mDNS for card daemons during Open and
// enumerates every responder.
func WithDiscovery(timeout time.Duration) Option {
	return func(c *openConfig) error {
		if timeout <= 0 {
			return errors.New("radio: discovery timeout must be positive")
		}
		c.discoveryTimeout = timeout
		return nil
	}
}

// WithTxWorkers sets the asynchronous transmit worker pool size for
// every card initialized at full level. The count is clamped to the
// pool bounds at init.
func WithTxWorkers(n int) Option {
	return func(c *openConfig) error {
		if n <= 0 {
			return errors.New("radio: transmit worker count must be positive")
		}
		c.txWorkers = n
		return nil
	}
}

// WithTxQueueDepth sets the asynchronous transmit queue depth for every
// card initialized at full level.
func WithTxQueueDepth(n int) Option {
	return func(c *openConfig) error {
		if n <= 0 {
			return errors.New("radio: transmit queue depth must be positive")
		}
		c.txQueueDepth = n
		return nil
	}
}

// Open builds the driver context and enumerates cards from the given
// options. Enumeration records how to reach each card; nothing is
// dialed until InitCard.
func Open(opts ...Option) (*Context, error) {
	var cfg openConfig
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.logger == nil {
		cfg.logger = log.Default()
	}

	ctx := &Context{
		log:          cfg.logger,
		txWorkers:    cfg.txWorkers,
		txQueueDepth: cfg.txQueueDepth,
		factories:    make(map[string]TransportFactory),
		active:       make(map[string]*Card),
	}

	for i, lbCfg := range cfg.loopbacks {
		lbCfg := lbCfg
		id := fmt.Sprintf("loopback%d", i)
		ctx.factories[id] = func() (transport.Transport, error) {
			return transport.NewLoopback(lbCfg), nil
		}
	}
	for _, addr := range cfg.addresses {
		addr := addr
		ctx.factories[addr] = func() (transport.Transport, error) {
			return transport.DialTCP(addr, transport.TCPConfig{})
		}
	}
	if cfg.discoveryTimeout > 0 {
		cards, err := discovery.Browse(context.Background(), cfg.discoveryTimeout)
		if err != nil {
			return nil, fmt.Errorf("card discovery: %w", err)
		}
		for _, c := range cards {
			addr := c.Addr()
			if _, dup := ctx.factories[addr]; dup {
				continue
			}
			ctx.factories[addr] = func() (transport.Transport, error) {
				return transport.DialTCP(addr, transport.TCPConfig{})
			}
			cfg.logger.Info("discovered card", "instance", c.Instance, "addr", addr, "serial", c.Serial())
		}
	}

	return ctx, nil
}

// Cards lists the ids of every enumerated card, sorted.
func (c *Context) Cards() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.factories))
	for id := range c.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InitCard opens the transport for a card and brings it up at the
// requested level. A card stays claimed until Exit; a second InitCard
// without an intervening Exit fails with ErrAlreadyInitialized.
func (c *Context) InitCard(id string, level InitLevel) (*Card, error) {
	c.mu.Lock()
	factory, ok := c.factories[id]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownCard, id)
	}
	if _, live := c.active[id]; live {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrAlreadyInitialized, id)
	}
	// Claim the slot before dialing so concurrent inits race on the
	// map, not on the hardware.
	c.active[id] = nil
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.active, id)
		c.mu.Unlock()
	}

	tr, err := factory()
	if err != nil {
		release()
		return nil, fmt.Errorf("open card %q: %w", id, err)
	}
	card, err := newCard(id, tr, level, c.log, release, c.txWorkers, c.txQueueDepth)
	if err != nil {
		tr.Close()
		release()
		return nil, err
	}

	c.mu.Lock()
	c.active[id] = card
	c.mu.Unlock()
	c.log.Info("card initialized", "id", id, "level", level, "serial", card.Serial())
	return card, nil
}

// Close exits every initialized card.
func (c *Context) Close() error {
	c.mu.Lock()
	cards := make([]*Card, 0, len(c.active))
	for _, card := range c.active {
		if card != nil {
			cards = append(cards, card)
		}
	}
	c.mu.Unlock()

	var firstErr error
	for _, card := range cards {
		if err := card.Exit(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
