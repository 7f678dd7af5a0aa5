package sources

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	pollerrors "github.com/Strix89/PMI-DashboardEPS-sub000/internal/errors"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/models"
)

// MockCluster fabricates a small infrastructure with slowly drifting
// utilisation numbers. It stands in for real backends in demo mode and
// during development, and its failure injection exercises the engine's
// error paths without a flaky server.
type MockCluster struct {
	instance string
	nodes    int
	guests   int
	agents   int

	mu        sync.Mutex
	rng       *rand.Rand
	walk      map[string]float64
	polls     int
	failEvery int
	failWith  pollerrors.Category
}

// NewMockCluster builds a mock with the given entity counts.
func NewMockCluster(instance string, nodes, guests, agents int) *MockCluster {
	if nodes < 1 {
		nodes = 1
	}
	return &MockCluster{
		instance: instance,
		nodes:    nodes,
		guests:   guests,
		agents:   agents,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		walk:     make(map[string]float64),
		failWith: pollerrors.CategoryServer,
	}
}

// FailEvery makes every nth fetch fail with the given category. n <= 0
// disables injection.
func (m *MockCluster) FailEvery(n int, category pollerrors.Category) {
	m.mu.Lock()
	m.failEvery = n
	if category != "" {
		m.failWith = category
	}
	m.mu.Unlock()
}

// drift walks the keyed value by up to ±3 points, clamped to [2, 95].
// Small steps keep most polls under the significance threshold, which is
// exactly what real idle infrastructure looks like.
func (m *MockCluster) drift(key string, initial float64) float64 {
	value, ok := m.walk[key]
	if !ok {
		value = initial
	}
	value += (m.rng.Float64() - 0.5) * 6
	if value < 2 {
		value = 2
	}
	if value > 95 {
		value = 95
	}
	m.walk[key] = value
	return value
}

func (m *MockCluster) maybeFail(op string) error {
	m.polls++
	if m.failEvery > 0 && m.polls%m.failEvery == 0 {
		return pollerrors.New(m.failWith, op, m.instance, errors.New("injected mock failure"))
	}
	return nil
}

// FetchNodes produces the mock node collection.
func (m *MockCluster) FetchNodes(ctx context.Context) ([]models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail("list_nodes"); err != nil {
		return nil, err
	}
	entities := make([]models.Entity, 0, m.nodes)
	for i := 0; i < m.nodes; i++ {
		name := fmt.Sprintf("node-%02d", i+1)
		cpu := m.drift("node-cpu-"+name, 15+float64(i*7))
		mem := m.drift("node-mem-"+name, 40+float64(i*5))
		total := int64(64) << 30
		entities = append(entities, models.Node{
			ID:       m.instance + "-" + name,
			Name:     name,
			Instance: m.instance,
			Status:   "online",
			CPU:      cpu,
			Memory: models.Memory{
				Total: total,
				Used:  int64(float64(total) * mem / 100),
				Usage: mem,
			},
			Disk: models.Disk{
				Total: int64(2) << 40,
				Used:  int64(1) << 40,
				Usage: 50,
			},
			Uptime:  86400 * int64(30+i),
			Version: "8.2.4",
		})
	}
	return entities, nil
}

// FetchGuests produces the mock guest collection, spread round-robin
// across the nodes. Every seventh guest is a stopped container.
func (m *MockCluster) FetchGuests(ctx context.Context) ([]models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail("list_guests"); err != nil {
		return nil, err
	}
	entities := make([]models.Entity, 0, m.guests)
	for i := 0; i < m.guests; i++ {
		vmid := 100 + i
		guestType := "qemu"
		if i%3 == 0 {
			guestType = "lxc"
		}
		status := "running"
		cpu := 0.0
		if i%7 == 3 {
			status = "stopped"
		} else {
			cpu = m.drift(fmt.Sprintf("guest-cpu-%d", vmid), 5+float64(i%20))
		}
		node := fmt.Sprintf("node-%02d", i%m.nodes+1)
		total := int64(4) << 30
		mem := 0.0
		if status == "running" {
			mem = m.drift(fmt.Sprintf("guest-mem-%d", vmid), 30+float64(i%40))
		}
		entities = append(entities, models.Guest{
			ID:       fmt.Sprintf("%s-%s-%d", m.instance, guestType, vmid),
			VMID:     vmid,
			Name:     fmt.Sprintf("guest-%d", vmid),
			Node:     node,
			Instance: m.instance,
			Type:     guestType,
			Status:   status,
			CPU:      cpu,
			Memory: models.Memory{
				Total: total,
				Used:  int64(float64(total) * mem / 100),
				Usage: mem,
			},
			Disk: models.Disk{
				Total: int64(32) << 30,
				Used:  int64(12) << 30,
				Usage: 37.5,
			},
			Uptime: 3600 * int64(i+1),
		})
	}
	return entities, nil
}

// FetchAgents produces the mock backup agent collection. One agent is
// kept permanently offline so the dashboard always has a warning row to
// render.
func (m *MockCluster) FetchAgents(ctx context.Context) ([]models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail("list_agents"); err != nil {
		return nil, err
	}
	entities := make([]models.Entity, 0, m.agents)
	for i := 0; i < m.agents; i++ {
		hostname := fmt.Sprintf("backup-host-%02d", i+1)
		status := "online"
		if i == m.agents-1 && m.agents > 1 {
			status = "offline"
		}
		entities = append(entities, models.BackupAgent{
			ID:       fmt.Sprintf("%s-agent-%02d", m.instance, i+1),
			Name:     hostname,
			Hostname: hostname,
			Instance: m.instance,
			Status:   status,
			Version:  "23.1.0",
			Platform: "linux/x86_64",
		})
	}
	return entities, nil
}
