package models

import "time"

// Kind identifies the category of entity a polling task tracks.
type Kind string

const (
	KindNode        Kind = "node"
	KindGuest       Kind = "guest"
	KindBackupAgent Kind = "backup-agent"
	KindHost        Kind = "host"
)

// Dashboard views that scope polling tasks. Tasks without a view poll
// regardless of which view a client is looking at.
const (
	ViewInfrastructure = "infrastructure"
	ViewBackups        = "backups"
)

// Entity is one monitored resource in a fetched collection. EntityKey
// must be stable across polls: reconciliation identity depends on it.
// Fields returns the flat comparable record the significance policy
// inspects; volatile bookkeeping (timestamps, counters that advance on
// every poll) stays out of it.
type Entity interface {
	EntityKey() string
	Kind() Kind
	Fields() map[string]any
}

// Memory describes memory usage on a node, guest, or host.
type Memory struct {
	Total int64   `json:"total"`
	Used  int64   `json:"used"`
	Usage float64 `json:"usage"` // percent 0-100
}

// Disk describes disk usage on a node, guest, or host.
type Disk struct {
	Total int64   `json:"total"`
	Used  int64   `json:"used"`
	Usage float64 `json:"usage"` // percent 0-100
}

// Node represents a hypervisor node.
type Node struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Instance string  `json:"instance"`
	Status   string  `json:"status"`
	CPU      float64 `json:"cpu"` // percent 0-100
	Memory   Memory  `json:"memory"`
	Disk     Disk    `json:"disk"`
	Uptime   int64   `json:"uptime"`
	Version  string  `json:"version,omitempty"`
}

func (n Node) EntityKey() string { return n.ID }

func (n Node) Kind() Kind { return KindNode }

func (n Node) Fields() map[string]any {
	return map[string]any{
		"name":      n.Name,
		"status":    n.Status,
		"cpu":       n.CPU,
		"mem":       n.Memory.Usage,
		"memTotal":  n.Memory.Total,
		"disk":      n.Disk.Usage,
		"diskTotal": n.Disk.Total,
		"uptime":    n.Uptime,
		"version":   n.Version,
	}
}

// Guest represents a VM or container resource on a hypervisor node.
type Guest struct {
	ID       string  `json:"id"`
	VMID     int     `json:"vmid"`
	Name     string  `json:"name"`
	Node     string  `json:"node"`
	Instance string  `json:"instance"`
	Type     string  `json:"type"` // "qemu" or "lxc"
	Status   string  `json:"status"`
	CPU      float64 `json:"cpu"` // percent 0-100
	Memory   Memory  `json:"memory"`
	Disk     Disk    `json:"disk"`
	Uptime   int64   `json:"uptime"`
}

func (g Guest) EntityKey() string { return g.ID }

func (g Guest) Kind() Kind { return KindGuest }

func (g Guest) Fields() map[string]any {
	return map[string]any{
		"name":     g.Name,
		"node":     g.Node,
		"type":     g.Type,
		"status":   g.Status,
		"cpu":      g.CPU,
		"mem":      g.Memory.Usage,
		"memTotal": g.Memory.Total,
		"disk":     g.Disk.Usage,
		"uptime":   g.Uptime,
	}
}

// BackupAgent represents one agent registered with the backup service.
type BackupAgent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Hostname     string    `json:"hostname"`
	Instance     string    `json:"instance"`
	Status       string    `json:"status"` // "online", "offline", "warning"
	Version      string    `json:"version,omitempty"`
	Platform     string    `json:"platform,omitempty"`
	LastBackupAt time.Time `json:"lastBackupAt,omitempty"`
}

func (a BackupAgent) EntityKey() string { return a.ID }

func (a BackupAgent) Kind() Kind { return KindBackupAgent }

func (a BackupAgent) Fields() map[string]any {
	fields := map[string]any{
		"name":     a.Name,
		"hostname": a.Hostname,
		"status":   a.Status,
		"version":  a.Version,
		"platform": a.Platform,
	}
	if !a.LastBackupAt.IsZero() {
		fields["lastBackup"] = a.LastBackupAt.Unix()
	}
	return fields
}

// HostStats represents the machine the dashboard itself runs on.
type HostStats struct {
	ID       string    `json:"id"`
	Hostname string    `json:"hostname"`
	CPU      float64   `json:"cpu"` // percent 0-100
	Memory   Memory    `json:"memory"`
	Disk     Disk      `json:"disk"`
	Uptime   int64     `json:"uptime"`
	Load     []float64 `json:"load,omitempty"`
}

func (h HostStats) EntityKey() string { return h.ID }

func (h HostStats) Kind() Kind { return KindHost }

func (h HostStats) Fields() map[string]any {
	fields := map[string]any{
		"hostname": h.Hostname,
		"cpu":      h.CPU,
		"mem":      h.Memory.Usage,
		"disk":     h.Disk.Usage,
		"uptime":   h.Uptime,
	}
	if len(h.Load) > 0 {
		fields["load1"] = h.Load[0]
	}
	return fields
}
