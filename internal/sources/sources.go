// Package sources adapts concrete backends (Proxmox VE instances, the
// backup service, the local host) to the refresh engine's fetch contract
// and builds the polling task set from configuration.
package sources

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/config"
	pollerrors "github.com/Strix89/PMI-DashboardEPS-sub000/internal/errors"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/models"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/refresh"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Mock mode intervals. Short enough that a demo dashboard visibly moves.
const (
	mockNodeInterval  = 5 * time.Second
	mockGuestInterval = 10 * time.Second
	mockAgentInterval = 30 * time.Second
)

// Probe verifies one source's connectivity before polling starts. Probe
// failures are advisory: the task registers regardless and the engine
// surfaces subsequent failures through its own error channel.
type Probe struct {
	Name string
	Run  func(ctx context.Context) error
}

// Set is the polling task set built from configuration.
type Set struct {
	Tasks  []refresh.TaskConfig
	Probes []Probe
}

// Build assembles the task set for the given configuration. In mock mode
// the remote backends are replaced by a fabricated cluster; the local
// host source still reports real numbers.
func Build(cfg *config.Config) (*Set, error) {
	set := &Set{}

	if cfg.MockMode {
		buildMock(set)
	} else {
		if err := buildPVE(set, cfg); err != nil {
			return nil, err
		}
		if err := buildBackup(set, cfg); err != nil {
			return nil, err
		}
	}

	if cfg.Host.Enabled {
		host := NewHostSource()
		set.Tasks = append(set.Tasks, refresh.TaskConfig{
			ID:       host.id,
			Kind:     models.KindHost,
			Fetch:    host.Fetch,
			Interval: time.Duration(cfg.Host.Interval),
		})
	}

	return set, nil
}

func buildPVE(set *Set, cfg *config.Config) error {
	for _, inst := range cfg.PVE {
		src, err := NewPVESource(inst)
		if err != nil {
			return fmt.Errorf("proxmox source %q: %w", inst.Name, err)
		}
		set.Probes = append(set.Probes, Probe{Name: "pve-" + inst.Name, Run: src.Probe})
		set.Tasks = append(set.Tasks, refresh.TaskConfig{
			ID:       "pve-" + inst.Name + "-nodes",
			Kind:     models.KindNode,
			Fetch:    src.FetchNodes,
			Interval: time.Duration(inst.NodeInterval),
			View:     models.ViewInfrastructure,
		})
		if inst.MonitorGuests {
			set.Tasks = append(set.Tasks, refresh.TaskConfig{
				ID:           "pve-" + inst.Name + "-guests",
				Kind:         models.KindGuest,
				Fetch:        src.FetchGuests,
				Interval:     time.Duration(inst.GuestInterval),
				View:         models.ViewInfrastructure,
				CancelOnHide: true,
			})
		}
	}
	return nil
}

func buildBackup(set *Set, cfg *config.Config) error {
	for _, inst := range cfg.Acronis {
		src, err := NewBackupSource(inst)
		if err != nil {
			return fmt.Errorf("backup source %q: %w", inst.Name, err)
		}
		set.Probes = append(set.Probes, Probe{Name: "backup-" + inst.Name, Run: src.Probe})
		set.Tasks = append(set.Tasks, refresh.TaskConfig{
			ID:           "backup-" + inst.Name + "-agents",
			Kind:         models.KindBackupAgent,
			Fetch:        src.FetchAgents,
			Interval:     time.Duration(inst.AgentInterval),
			View:         models.ViewBackups,
			CancelOnHide: true,
		})
	}
	return nil
}

func buildMock(set *Set) {
	mock := NewMockCluster("demo", 3, 12, 5)
	set.Tasks = append(set.Tasks,
		refresh.TaskConfig{
			ID:       "pve-demo-nodes",
			Kind:     models.KindNode,
			Fetch:    mock.FetchNodes,
			Interval: mockNodeInterval,
			View:     models.ViewInfrastructure,
		},
		refresh.TaskConfig{
			ID:           "pve-demo-guests",
			Kind:         models.KindGuest,
			Fetch:        mock.FetchGuests,
			Interval:     mockGuestInterval,
			View:         models.ViewInfrastructure,
			CancelOnHide: true,
		},
		refresh.TaskConfig{
			ID:           "backup-demo-agents",
			Kind:         models.KindBackupAgent,
			Fetch:        mock.FetchAgents,
			Interval:     mockAgentInterval,
			View:         models.ViewBackups,
			CancelOnHide: true,
		},
	)
	log.Info().Msg("Mock mode enabled, serving fabricated infrastructure")
}

// RunProbes runs every probe and logs the outcome. Errors do not abort
// startup: a backend that is down at boot shows up as a failing task
// with the usual error surface instead of a dead process.
func RunProbes(ctx context.Context, probes []Probe) {
	for _, probe := range probes {
		if err := probe.Run(ctx); err != nil {
			log.Error().
				Err(err).
				Str("source", probe.Name).
				Msg("Source probe failed, polling will surface errors")
		}
	}
}

// bootstrapRetry retries op with exponential backoff and jitter until it
// succeeds, the context ends, or 30 seconds elapse. Auth failures are
// permanent: retrying bad credentials cannot help.
func bootstrapRetry(ctx context.Context, source string, op func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 30 * time.Second

	attempt := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if pollerrors.IsAuthError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Str("source", source).
			Dur("retryIn", wait).
			Msg("Source probe failed, retrying")
	}
	return backoff.RetryNotify(attempt, backoff.WithContext(policy, ctx), notify)
}

// safePercentage divides used by total as a percentage, guarding the
// zero and NaN cases the Proxmox API produces for stopped guests.
func safePercentage(used, total float64) float64 {
	if total == 0 {
		return 0
	}
	result := used / total * 100
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0
	}
	return result
}

func clampPercent(value float64) float64 {
	if value < 0 || math.IsNaN(value) {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}
