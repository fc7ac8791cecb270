package runtime

import (
	goruntime "runtime"

	"github.com/joeycumines/go-catrate"

	"github.com/wangscript007/cxxframework-go/httpsession"
)

// Config is the runtime's configuration, consumed by New. Zero values
// mean "auto" exactly as spec.md §6 and main.cpp document.
type Config struct {
	shortTaskThreads uint32
	blockingThreads  uint32

	personalityUser  string
	personalityGroup string

	listenAddr [4]byte
	listenPort uint16

	httpMapping []httpsession.Route

	identity Identity

	logger Logger

	tcpIPLimiter *catrate.Limiter
	udpLimiter   *catrate.Limiter

	// maxSessions bounds concurrently live HTTP sessions for admission
	// control (spec.md §4.7 scenario S4). 0 means unlimited.
	maxSessions uint32
}

// Identity supplements the original's static server name/version
// statics (SPEC_FULL.md feature #3).
type Identity struct {
	Name      string
	Version   string
	Platform  string
	BuildDate string
}

// Option configures a Config, following eventloop/options.go's
// functional-options pattern.
type Option func(*Config)

// WithShortTaskThreads sets the short-task pool size. 0 means auto:
// min(NumCPU, 2).
func WithShortTaskThreads(n uint32) Option {
	return func(c *Config) { c.shortTaskThreads = n }
}

// WithBlockingThreads sets the blocking pool size. 0 means auto: 1.
func WithBlockingThreads(n uint32) Option {
	return func(c *Config) { c.blockingThreads = n }
}

// WithPersonality sets the optional process-identity switch (user/group
// to drop privileges to after binding the listener).
func WithPersonality(user, group string) Option {
	return func(c *Config) {
		c.personalityUser = user
		c.personalityGroup = group
	}
}

// WithListenAddr sets the listen address and port; port 0 lets the OS
// assign one. Without this option the port is 8081 (spec.md §6 default).
func WithListenAddr(addr [4]byte, port uint16) Option {
	return func(c *Config) {
		c.listenAddr = addr
		c.listenPort = port
	}
}

// WithHTTPMapping sets the routing table.
func WithHTTPMapping(routes ...httpsession.Route) Option {
	return func(c *Config) { c.httpMapping = routes }
}

// WithIdentity sets the server identity rendered into the Server:
// response header.
func WithIdentity(id Identity) Option {
	return func(c *Config) { c.identity = id }
}

// WithLogger sets the Logger every component logs through.
func WithLogger(l Logger) Option {
	return func(c *Config) { c.logger = l }
}

// WithTCPAcceptLimiter sets a go-catrate Limiter gating accepted TCP
// connections per remote IP (SPEC_FULL.md Domain Stack).
func WithTCPAcceptLimiter(l *catrate.Limiter) Option {
	return func(c *Config) { c.tcpIPLimiter = l }
}

// WithUDPRegistrationLimiter sets a go-catrate Limiter gating UDPDemuxer
// registration churn per peer key (SPEC_FULL.md Domain Stack).
func WithUDPRegistrationLimiter(l *catrate.Limiter) Option {
	return func(c *Config) { c.udpLimiter = l }
}

// WithMaxSessions bounds concurrently live HTTP sessions. Once
// liveSessions reaches n, the listener engages admission control (stops
// re-arming and sleeps kTimeBetweenAccepts between retries) instead of
// accepting further connections. 0 (the default) means unlimited.
func WithMaxSessions(n uint32) Option {
	return func(c *Config) { c.maxSessions = n }
}

func resolveConfig(opts []Option) *Config {
	cfg := &Config{
		listenPort: 8081,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(cfg)
	}
	if cfg.shortTaskThreads == 0 {
		cfg.shortTaskThreads = autoShortTaskThreads()
	}
	if cfg.blockingThreads == 0 {
		cfg.blockingThreads = 1
	}
	if cfg.logger == nil {
		cfg.logger = NewDefaultLogger(nil, LevelInfo)
	}
	return cfg
}

func autoShortTaskThreads() uint32 {
	n := goruntime.NumCPU()
	if n > 2 {
		n = 2
	}
	if n < 1 {
		n = 1
	}
	return uint32(n)
}
