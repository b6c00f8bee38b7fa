package domain

import (
	"net"
	"strconv"
)

// ProxyKind identifies the reverse proxy technology active on a host.
type ProxyKind string

const (
	ProxyNone    ProxyKind = "none"
	ProxyNginx   ProxyKind = "nginx"
	ProxyTraefik ProxyKind = "traefik"
)

// ProxyRule is the materialized routing configuration for one project.
type ProxyRule struct {
	Kind          ProxyKind         `json:"kind"`
	Project       string            `json:"project"`
	Domain        string            `json:"domain"`
	Path          string            `json:"path,omitempty"`
	Contents      string            `json:"contents,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	TargetAddress string            `json:"target_address"`
	TargetPort    int               `json:"target_port"`
}

// Target returns address:port the rule routes to.
func (r ProxyRule) Target() string {
	if r.TargetAddress == "" {
		return ""
	}
	return net.JoinHostPort(r.TargetAddress, strconv.Itoa(r.TargetPort))
}
