package domain

// ContainerStatus mirrors the docker container state string.
type ContainerStatus string

const (
	ContainerCreated ContainerStatus = "created"
	ContainerRunning ContainerStatus = "running"
	ContainerStopped ContainerStatus = "stopped"
	ContainerExited  ContainerStatus = "exited"
)

// ContainerHandle is the live runtime identity of a deployed project. It is
// always re-derived from docker inspect and never cached as source of truth.
type ContainerHandle struct {
	ID       string            `json:"container_id"`
	Name     string            `json:"container_name"`
	Image    string            `json:"image,omitempty"`
	Status   ContainerStatus   `json:"status"`
	Networks map[string]string `json:"networks"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Running reports whether the container is running.
func (h ContainerHandle) Running() bool {
	return h.Status == ContainerRunning
}

// AddressOn returns the container IP on the named network.
func (h ContainerHandle) AddressOn(network string) (string, bool) {
	ip, ok := h.Networks[network]
	if !ok || ip == "" {
		return "", false
	}
	return ip, true
}
