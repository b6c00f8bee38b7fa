package domain

import "time"

// EventType enumerates stream event kinds.
type EventType string

const (
	EventProgress EventType = "progress"
	EventLog      EventType = "log"
	EventResult   EventType = "result"
	EventError    EventType = "error"
)

// Event is one discrete message on the progress/log stream.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Progress  *Progress `json:"progress,omitempty"`
	Log       *LogLine  `json:"log,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	Failure   *Failure  `json:"failure,omitempty"`
}

// Progress is a provisioning or deploy progress update.
type Progress struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

// Result is the terminal success payload of a deploy.
type Result struct {
	ContainerID string    `json:"container_id"`
	Address     string    `json:"address"`
	ProxyKind   ProxyKind `json:"proxy_kind"`
}

// Failure is the terminal error payload of an operation.
type Failure struct {
	ErrorKind ErrorKind `json:"error_kind"`
	Detail    string    `json:"detail"`
	LogTail   []string  `json:"log_tail,omitempty"`
}

// ServerTopic names the stream of a server's provisioning events.
func ServerTopic(serverID string) string { return "server:" + serverID }

// DeploymentTopic names the stream of one deploy operation.
func DeploymentTopic(deploymentID string) string { return "deployment:" + deploymentID }
