package domain

// ProjectDeployment is the desired routing intent for one deploy operation.
type ProjectDeployment struct {
	Name       string            `json:"project_name" validate:"required,max=63"`
	Domain     string            `json:"domain" validate:"required,hostname_rfc1123"`
	Port       int               `json:"port" validate:"required,min=1,max=65535"`
	TLSEnabled bool              `json:"tls_enabled"`
	Env        map[string]string `json:"env_vars,omitempty"`
}

// ContainerName is the declared container name for the project.
func (p ProjectDeployment) ContainerName() string {
	return ContainerNameFor(p.Name)
}

// ContainerNameFor derives the container name pattern used for redeploys.
func ContainerNameFor(project string) string {
	return "app-" + project
}
