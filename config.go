package dealgrid

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"pkt.systems/dealgrid/bus"
	"pkt.systems/dealgrid/exlock"
	"pkt.systems/dealgrid/filelock"
	"pkt.systems/dealgrid/helo"
	"pkt.systems/dealgrid/interlock"
	"pkt.systems/dealgrid/internal/keepalive"
)

// Deal sinks selectable through Config.DealSink.
const (
	// DealSinkBus publishes disposed deals on the deal log address.
	DealSinkBus = "bus"
	// DealSinkLog only logs disposed deals.
	DealSinkLog = "log"
)

const (
	// DefaultListen is the HTTP bus endpoint a node binds to.
	DefaultListen = ":9451"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultRequestTimeout bounds bus requests without a deadline.
	DefaultRequestTimeout = bus.DefaultRequestTimeout
	// DefaultLockWarnThreshold is how long a local lock may be held before
	// the watchdog starts warning.
	DefaultLockWarnThreshold = exlock.DefaultWarnThreshold
	// DefaultHeloPeriod is the session announcement interval.
	DefaultHeloPeriod = helo.DefaultPeriod
	// DefaultInterlockTimeout bounds one interlock request.
	DefaultInterlockTimeout = interlock.DefaultRequestTimeout
	// DefaultInterlockAttempts bounds retries of timed out interlock requests.
	DefaultInterlockAttempts = interlock.DefaultAttempts
	// DefaultInterlockRetryDelay is the pause between interlock retries.
	DefaultInterlockRetryDelay = interlock.DefaultRetryDelay
	// DefaultVersionCheckTimeout bounds the startup cluster version probe.
	DefaultVersionCheckTimeout = 3 * time.Second
	// DefaultDisposeInterval controls how often terminal deals leave the
	// working set.
	DefaultDisposeInterval = 10 * time.Second
	// DefaultKeepalivePeriod is the restart keepalive interval.
	DefaultKeepalivePeriod = keepalive.DefaultPeriod
	// DefaultKeepaliveTimeout bounds one keepalive request.
	DefaultKeepaliveTimeout = keepalive.DefaultTimeout
	// DefaultShutdownTimeout caps the total shutdown time.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultDealSink selects where disposed deals go.
	DefaultDealSink = DealSinkBus
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables of one node.
type Config struct {
	// UnitID is the energy-storage unit this node speaks for.
	UnitID string
	// Leader starts the node as cluster leader.
	Leader bool

	// Listen is the HTTP bus listen address.
	Listen string
	// Peers are the base URLs of the other nodes' HTTP bus.
	Peers []string
	// TLSConfig secures the HTTP bus client; the listener stays plain and is
	// expected to sit behind a terminating proxy when TLS is required.
	TLSConfig      *tls.Config
	RequestTimeout time.Duration

	// LockFile is the cross-process lock file template, containing one %s.
	LockFile         string
	DisableFileLocks bool
	// LockWarnThreshold arms the held-lock watchdog. Negative disables it.
	LockWarnThreshold time.Duration

	HeloPeriod          time.Duration
	InterlockTimeout    time.Duration
	InterlockAttempts   int
	InterlockRetryDelay time.Duration

	// SkipVersionCheck starts the node even when peers run another build.
	SkipVersionCheck    bool
	VersionCheckTimeout time.Duration

	DealSink        string
	DisposeInterval time.Duration

	KeepaliveURL     string
	KeepalivePeriod  time.Duration
	KeepaliveTimeout time.Duration

	MetricsListen          string
	PprofListen            string
	OTLPEndpoint           string
	EnableProfilingMetrics bool

	ShutdownTimeout time.Duration
}

// Validate applies defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.UnitID = strings.TrimSpace(c.UnitID)
	if c.UnitID == "" {
		return fmt.Errorf("config: unit id is required")
	}
	if strings.ContainsAny(c.UnitID, ". \t/") {
		return fmt.Errorf("config: unit id %q must not contain dots, slashes or spaces", c.UnitID)
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	peers := make([]string, 0, len(c.Peers))
	for _, peer := range c.Peers {
		peer = strings.TrimSpace(peer)
		if peer == "" || slices.Contains(peers, peer) {
			continue
		}
		if !strings.HasPrefix(peer, "http://") && !strings.HasPrefix(peer, "https://") {
			return fmt.Errorf("config: peer %q must be an http(s) URL", peer)
		}
		peers = append(peers, peer)
	}
	c.Peers = peers
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if !c.DisableFileLocks {
		if strings.TrimSpace(c.LockFile) == "" {
			c.LockFile = filelock.DefaultPath()
		}
		if strings.Count(c.LockFile, "%s") != 1 || strings.Count(c.LockFile, "%") != 1 {
			return fmt.Errorf("config: lock file template %q must contain exactly one %%s", c.LockFile)
		}
	}
	if c.LockWarnThreshold == 0 {
		c.LockWarnThreshold = DefaultLockWarnThreshold
	}
	if c.HeloPeriod <= 0 {
		c.HeloPeriod = DefaultHeloPeriod
	}
	if c.InterlockTimeout <= 0 {
		c.InterlockTimeout = DefaultInterlockTimeout
	}
	if c.InterlockAttempts < 0 {
		return fmt.Errorf("config: interlock attempts must be >= 0")
	}
	if c.InterlockAttempts == 0 {
		c.InterlockAttempts = DefaultInterlockAttempts
	}
	if c.InterlockRetryDelay <= 0 {
		c.InterlockRetryDelay = DefaultInterlockRetryDelay
	}
	if c.VersionCheckTimeout <= 0 {
		c.VersionCheckTimeout = DefaultVersionCheckTimeout
	}
	c.DealSink = strings.ToLower(strings.TrimSpace(c.DealSink))
	if c.DealSink == "" {
		c.DealSink = DefaultDealSink
	}
	switch c.DealSink {
	case DealSinkBus, DealSinkLog:
	default:
		return fmt.Errorf("config: deal sink must be %q or %q", DealSinkBus, DealSinkLog)
	}
	if c.DisposeInterval <= 0 {
		c.DisposeInterval = DefaultDisposeInterval
	}
	c.KeepaliveURL = strings.TrimSpace(c.KeepaliveURL)
	if c.KeepalivePeriod <= 0 {
		c.KeepalivePeriod = DefaultKeepalivePeriod
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.dealgrid).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("DEALGRID_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".dealgrid"), nil
}
