// Package netwatch probes network reachability and reports
// online/offline transitions to the polling lifecycle. The dashboard
// pauses every task while offline, so the watcher errs on the side of
// staying online: a single reachable target keeps the network up, and
// only repeated sweeps with every target unreachable flip it down.
package netwatch

import (
	"context"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/config"
)

const (
	defaultInterval         = 15 * time.Second
	defaultTimeout          = 3 * time.Second
	defaultFailureThreshold = 2
)

// dialContext is swappable in tests.
var dialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// Config holds the watcher settings with defaults already resolved.
type Config struct {
	Targets          []string
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
}

// Watcher periodically dials a set of TCP targets and tracks whether
// the network looks reachable. It starts online and corrects itself on
// the first sweep.
type Watcher struct {
	cfg      Config
	onChange func(online bool)

	mu       sync.Mutex
	online   bool
	failures int
}

// New creates a watcher. onChange fires on every online/offline
// transition, never for repeats, and is called without the watcher
// lock held.
func New(cfg Config, onChange func(online bool)) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	return &Watcher{cfg: cfg, onChange: onChange, online: true}
}

// Build derives probe targets from the runtime configuration. Explicit
// netwatch targets win; otherwise every configured upstream host is
// probed. Mock mode and disabled netwatch produce a no-op watcher that
// stays online.
func Build(cfg *config.Config, onChange func(online bool)) *Watcher {
	nw := cfg.Netwatch
	targets := append([]string(nil), nw.Targets...)
	if len(targets) == 0 {
		for _, inst := range cfg.PVE {
			if addr := probeAddr(inst.Host, "8006"); addr != "" {
				targets = append(targets, addr)
			}
		}
		for _, inst := range cfg.Acronis {
			if addr := probeAddr(inst.Host, "443"); addr != "" {
				targets = append(targets, addr)
			}
		}
	}
	if !nw.Enabled || cfg.MockMode {
		targets = nil
	}
	return New(Config{
		Targets:          dedupe(targets),
		Interval:         nw.Interval.Duration(),
		Timeout:          nw.Timeout.Duration(),
		FailureThreshold: nw.FailureThreshold,
	}, onChange)
}

// Run sweeps the targets until ctx is cancelled. A watcher without
// targets returns immediately and reports online forever.
func (w *Watcher) Run(ctx context.Context) {
	if len(w.cfg.Targets) == 0 {
		log.Debug().Msg("Connectivity watcher disabled, no probe targets")
		return
	}
	log.Info().
		Strs("targets", w.cfg.Targets).
		Dur("interval", w.cfg.Interval).
		Msg("Connectivity watcher started")

	w.observe(w.sweep(ctx))

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.observe(w.sweep(ctx))
		}
	}
}

// Online reports the current network state.
func (w *Watcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// sweep dials every target concurrently and reports whether at least
// one accepted the connection.
func (w *Watcher) sweep(ctx context.Context) bool {
	results := make(chan bool, len(w.cfg.Targets))
	for _, target := range w.cfg.Targets {
		go func(addr string) { results <- w.probe(ctx, addr) }(target)
	}
	reachable := false
	for range w.cfg.Targets {
		if <-results {
			reachable = true
		}
	}
	return reachable
}

func (w *Watcher) probe(ctx context.Context, addr string) bool {
	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	conn, err := dialContext(dialCtx, "tcp", addr)
	if err != nil {
		log.Debug().Err(err).Str("target", addr).Msg("Connectivity probe failed")
		return false
	}
	conn.Close()
	return true
}

func (w *Watcher) observe(reachable bool) {
	w.mu.Lock()
	changed := false
	if reachable {
		w.failures = 0
		if !w.online {
			w.online = true
			changed = true
		}
	} else {
		w.failures++
		if w.online && w.failures >= w.cfg.FailureThreshold {
			w.online = false
			changed = true
		}
	}
	online := w.online
	failures := w.failures
	w.mu.Unlock()

	if !changed {
		return
	}
	if online {
		log.Info().Msg("Network connectivity restored")
	} else {
		log.Warn().Int("failedSweeps", failures).Msg("Network appears offline, pausing polling")
	}
	if w.onChange != nil {
		w.onChange(online)
	}
}

// probeAddr turns a configured host into a dialable host:port. Hosts
// without a scheme are treated as HTTPS endpoints on defaultPort.
func probeAddr(raw, defaultPort string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func dedupe(targets []string) []string {
	seen := make(map[string]bool, len(targets))
	out := targets[:0]
	for _, t := range targets {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
