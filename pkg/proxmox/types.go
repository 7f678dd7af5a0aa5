package proxmox

// Node is one entry from /api2/json/nodes.
type Node struct {
	Node           string  `json:"node"`
	Status         string  `json:"status"`
	CPU            float64 `json:"cpu"`
	MaxCPU         int     `json:"maxcpu"`
	Mem            int64   `json:"mem"`
	MaxMem         int64   `json:"maxmem"`
	Disk           int64   `json:"disk"`
	MaxDisk        int64   `json:"maxdisk"`
	Uptime         int64   `json:"uptime"`
	Level          string  `json:"level"`
	ID             string  `json:"id"`
	SSLFingerprint string  `json:"ssl_fingerprint,omitempty"`
}

// ClusterResource is one entry from /api2/json/cluster/resources. With
// type=vm the listing covers both QEMU VMs and LXC containers across
// every node in a single request.
type ClusterResource struct {
	ID        string  `json:"id"`   // e.g. "qemu/100", "lxc/101"
	Type      string  `json:"type"` // "qemu", "lxc", "node", "storage"
	VMID      int     `json:"vmid,omitempty"`
	Name      string  `json:"name,omitempty"`
	Node      string  `json:"node,omitempty"`
	Status    string  `json:"status,omitempty"`
	CPU       float64 `json:"cpu,omitempty"`
	MaxCPU    int     `json:"maxcpu,omitempty"`
	Mem       int64   `json:"mem,omitempty"`
	MaxMem    int64   `json:"maxmem,omitempty"`
	Disk      int64   `json:"disk,omitempty"`
	MaxDisk   int64   `json:"maxdisk,omitempty"`
	Uptime    int64   `json:"uptime,omitempty"`
	Template  int     `json:"template,omitempty"`
	DiskRead  int64   `json:"diskread,omitempty"`
	DiskWrite int64   `json:"diskwrite,omitempty"`
	NetIn     int64   `json:"netin,omitempty"`
	NetOut    int64   `json:"netout,omitempty"`
	Tags      string  `json:"tags,omitempty"`
}

// Version is the response from /api2/json/version.
type Version struct {
	Version string `json:"version"`
	Release string `json:"release"`
	RepoID  string `json:"repoid"`
}
