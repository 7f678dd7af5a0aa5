package sources

import (
	"context"
	"fmt"
	"sync"

	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/config"
	pollerrors "github.com/Strix89/PMI-DashboardEPS-sub000/internal/errors"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/models"
	"github.com/Strix89/PMI-DashboardEPS-sub000/pkg/proxmox"
	"github.com/rs/zerolog/log"
)

// PVESource adapts one Proxmox VE instance to the engine's fetch
// contract: nodes and guests as entity collections, failures classified
// into the poll error taxonomy.
type PVESource struct {
	name   string
	client *proxmox.Client
	filter *Filter

	mu      sync.Mutex
	version string
}

// NewPVESource builds a source for the given instance config.
func NewPVESource(inst config.PVEInstance) (*PVESource, error) {
	client, err := proxmox.NewClient(proxmox.ClientConfig{
		Name:        inst.Name,
		Host:        inst.Host,
		TokenName:   inst.TokenName,
		TokenValue:  inst.TokenValue,
		Fingerprint: inst.Fingerprint,
		VerifySSL:   inst.VerifySSL,
	})
	if err != nil {
		return nil, err
	}
	return &PVESource{
		name:   inst.Name,
		client: client,
		filter: NewFilter(inst.IncludeGuests, inst.ExcludeGuests),
	}, nil
}

// Probe checks connectivity and records the instance version, retrying
// transient failures with exponential backoff.
func (s *PVESource) Probe(ctx context.Context) error {
	return bootstrapRetry(ctx, s.name, func(ctx context.Context) error {
		version, err := s.client.GetVersion(ctx)
		if err != nil {
			return pollerrors.Classify("get_version", s.name, err)
		}
		s.mu.Lock()
		s.version = version.Version
		s.mu.Unlock()
		log.Info().
			Str("instance", s.name).
			Str("version", version.Version).
			Msg("Connected to Proxmox instance")
		return nil
	})
}

func (s *PVESource) instanceVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// FetchNodes lists the instance's hypervisor nodes.
func (s *PVESource) FetchNodes(ctx context.Context) ([]models.Entity, error) {
	nodes, err := s.client.GetNodes(ctx)
	if err != nil {
		return nil, pollerrors.Classify("list_nodes", s.name, err)
	}
	version := s.instanceVersion()
	entities := make([]models.Entity, 0, len(nodes))
	for _, n := range nodes {
		entities = append(entities, models.Node{
			ID:       s.name + "-" + n.Node,
			Name:     n.Node,
			Instance: s.name,
			Status:   n.Status,
			CPU:      clampPercent(n.CPU * 100),
			Memory: models.Memory{
				Total: n.MaxMem,
				Used:  n.Mem,
				Usage: safePercentage(float64(n.Mem), float64(n.MaxMem)),
			},
			Disk: models.Disk{
				Total: n.MaxDisk,
				Used:  n.Disk,
				Usage: safePercentage(float64(n.Disk), float64(n.MaxDisk)),
			},
			Uptime:  n.Uptime,
			Version: version,
		})
	}
	return entities, nil
}

// FetchGuests lists VMs and containers across all nodes via the cluster
// resource view. Templates are skipped; the configured include/exclude
// patterns match against guest name and numeric ID.
func (s *PVESource) FetchGuests(ctx context.Context) ([]models.Entity, error) {
	resources, err := s.client.GetClusterResources(ctx, "vm")
	if err != nil {
		return nil, pollerrors.Classify("list_guests", s.name, err)
	}
	entities := make([]models.Entity, 0, len(resources))
	for _, res := range resources {
		if res.Type != "qemu" && res.Type != "lxc" {
			continue
		}
		if res.Template == 1 {
			continue
		}
		if !s.filter.Allowed(res.Name, fmt.Sprintf("%d", res.VMID)) {
			continue
		}
		entities = append(entities, models.Guest{
			ID:       fmt.Sprintf("%s-%s-%d", s.name, res.Type, res.VMID),
			VMID:     res.VMID,
			Name:     res.Name,
			Node:     res.Node,
			Instance: s.name,
			Type:     res.Type,
			Status:   res.Status,
			CPU:      clampPercent(res.CPU * 100),
			Memory: models.Memory{
				Total: res.MaxMem,
				Used:  res.Mem,
				Usage: safePercentage(float64(res.Mem), float64(res.MaxMem)),
			},
			Disk: models.Disk{
				Total: res.MaxDisk,
				Used:  res.Disk,
				Usage: safePercentage(float64(res.Disk), float64(res.MaxDisk)),
			},
			Uptime: res.Uptime,
		})
	}
	return entities, nil
}
