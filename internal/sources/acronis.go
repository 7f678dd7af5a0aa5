package sources

import (
	"context"
	"strings"

	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/config"
	pollerrors "github.com/Strix89/PMI-DashboardEPS-sub000/internal/errors"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/models"
	"github.com/Strix89/PMI-DashboardEPS-sub000/pkg/acronis"
	"github.com/rs/zerolog/log"
)

// BackupSource adapts one backup service instance to the engine's fetch
// contract.
type BackupSource struct {
	name   string
	client *acronis.Client
	filter *Filter
}

// NewBackupSource builds a source for the given instance config.
func NewBackupSource(inst config.AcronisInstance) (*BackupSource, error) {
	client, err := acronis.NewClient(acronis.ClientConfig{
		Name:         inst.Name,
		Host:         inst.Host,
		ClientID:     inst.ClientID,
		ClientSecret: inst.ClientSecret,
		VerifySSL:    inst.VerifySSL,
	})
	if err != nil {
		return nil, err
	}
	return &BackupSource{
		name:   inst.Name,
		client: client,
		filter: NewFilter(inst.IncludeAgents, inst.ExcludeAgents),
	}, nil
}

// Probe verifies credentials by acquiring an access token, retrying
// transient failures with exponential backoff.
func (s *BackupSource) Probe(ctx context.Context) error {
	return bootstrapRetry(ctx, s.name, func(ctx context.Context) error {
		if err := s.client.Ping(ctx); err != nil {
			return pollerrors.Classify("acquire_token", s.name, err)
		}
		log.Info().
			Str("instance", s.name).
			Msg("Connected to backup service")
		return nil
	})
}

// FetchAgents lists the service's registered agents, filtered by
// hostname patterns.
func (s *BackupSource) FetchAgents(ctx context.Context) ([]models.Entity, error) {
	agents, err := s.client.ListAgents(ctx)
	if err != nil {
		return nil, pollerrors.Classify("list_agents", s.name, err)
	}
	entities := make([]models.Entity, 0, len(agents))
	for _, a := range agents {
		if !s.filter.Allowed(a.Hostname) {
			continue
		}
		entities = append(entities, models.BackupAgent{
			ID:       s.name + "-" + a.ID,
			Name:     a.Hostname,
			Hostname: a.Hostname,
			Instance: s.name,
			Status:   agentStatus(a),
			Version:  a.Version,
			Platform: platformLabel(a.Platform),
		})
	}
	return entities, nil
}

// agentStatus folds the service's online/enabled pair into the
// dashboard's three-state status. A disabled agent is a warning even
// when its machine is reachable.
func agentStatus(a acronis.Agent) string {
	switch {
	case !a.Enabled:
		return "warning"
	case a.Online:
		return "online"
	default:
		return "offline"
	}
}

func platformLabel(p acronis.AgentPlatform) string {
	if p.Name != "" {
		return p.Name
	}
	parts := make([]string, 0, 2)
	if p.Family != "" {
		parts = append(parts, p.Family)
	}
	if p.Arch != "" {
		parts = append(parts, p.Arch)
	}
	return strings.Join(parts, "/")
}
