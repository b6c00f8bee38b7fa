package domain

import "time"

// ProvisioningStatus enumerates provisioning lifecycle states.
type ProvisioningStatus string

const (
	ProvisioningPending    ProvisioningStatus = "pending"
	ProvisioningInProgress ProvisioningStatus = "provisioning"
	ProvisioningReady      ProvisioningStatus = "ready"
	ProvisioningError      ProvisioningStatus = "error"
)

// Terminal reports whether the status ends a provisioning run.
func (s ProvisioningStatus) Terminal() bool {
	return s == ProvisioningReady || s == ProvisioningError
}

// Software names tracked in ProvisioningRecord.Installed.
const (
	SoftwareDocker        = "docker"
	SoftwareCompose       = "compose"
	SoftwareGit           = "git"
	SoftwareNode          = "node"
	SoftwareProxy         = "proxy"
	SoftwareSharedNetwork = "network"
)

// LogLine is a single timestamped provisioning log entry.
type LogLine struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ProvisioningRecord is the mutable per-server provisioning state.
type ProvisioningRecord struct {
	ID        string             `json:"id"`
	ServerID  string             `json:"server_id"`
	Status    ProvisioningStatus `json:"status"`
	Progress  int                `json:"progress"`
	Step      string             `json:"step,omitempty"`
	Logs      []LogLine          `json:"logs"`
	Error     string             `json:"error,omitempty"`
	ErrorKind ErrorKind          `json:"error_kind,omitempty"`
	Installed map[string]bool    `json:"installed"`
	StartedAt time.Time          `json:"started_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// NewProvisioningRecord returns a pending record for the server.
func NewProvisioningRecord(id, serverID string, now time.Time) *ProvisioningRecord {
	return &ProvisioningRecord{
		ID:        id,
		ServerID:  serverID,
		Status:    ProvisioningPending,
		Installed: map[string]bool{},
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy safe to hand out to readers.
func (r *ProvisioningRecord) Clone() *ProvisioningRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Logs = append([]LogLine(nil), r.Logs...)
	out.Installed = make(map[string]bool, len(r.Installed))
	for k, v := range r.Installed {
		out.Installed[k] = v
	}
	return &out
}

// Tail returns the last n log lines as plain text.
func (r *ProvisioningRecord) Tail(n int) []string {
	if r == nil || len(r.Logs) == 0 {
		return nil
	}
	start := 0
	if n > 0 && len(r.Logs) > n {
		start = len(r.Logs) - n
	}
	out := make([]string, 0, len(r.Logs)-start)
	for _, l := range r.Logs[start:] {
		out = append(out, l.Text)
	}
	return out
}
