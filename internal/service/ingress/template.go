package ingress

import (
	"bytes"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"text/template"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
)

const baseConfig = `user nginx;
worker_processes auto;
error_log /var/log/nginx/error.log warn;
pid /var/run/nginx.pid;

events {
    worker_connections 1024;
}

http {
    include /etc/nginx/mime.types;
    default_type application/octet-stream;
    sendfile on;
    keepalive_timeout 65;
    server_names_hash_bucket_size 128;
    client_max_body_size 100m;

    map $http_upgrade $connection_upgrade {
        default upgrade;
        '' close;
    }

    server {
        listen 80 default_server;
        server_name _;
        return 404;
    }

    include /etc/nginx/conf.d/*.conf;
}
`

var vhostTemplate = template.Must(template.New("vhost").Parse(`# managed by deploy-manager: {{.Project}}
server {
    listen 80;
    server_name {{.Domain}};

    access_log /var/log/nginx/{{.Project}}.access.log;
    error_log /var/log/nginx/{{.Project}}.error.log;

    location / {
        proxy_pass http://{{.Target}};
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection $connection_upgrade;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_connect_timeout 60s;
        proxy_send_timeout 300s;
        proxy_read_timeout 300s;
    }
}
`))

var (
	serverNamePattern = regexp.MustCompile(`(?m)^\s*server_name\s+([^;\s]+);`)
	proxyPassPattern  = regexp.MustCompile(`(?m)^\s*proxy_pass\s+http://([^;\s]+);`)
)

// RenderVHost renders the server block for one project.
func RenderVHost(project, host, address string, port int) (string, error) {
	var buf bytes.Buffer
	err := vhostTemplate.Execute(&buf, struct {
		Project string
		Domain  string
		Target  string
	}{project, host, net.JoinHostPort(address, strconv.Itoa(port))})
	if err != nil {
		return "", fmt.Errorf("render nginx config for %s: %w", project, err)
	}
	return buf.String(), nil
}

// ParseVHost extracts the routing target from a rendered server block.
func ParseVHost(project, contents string) (domain.ProxyRule, error) {
	rule := domain.ProxyRule{Kind: domain.ProxyNginx, Project: project, Contents: contents}
	if m := serverNamePattern.FindStringSubmatch(contents); m != nil {
		rule.Domain = m[1]
	}
	m := proxyPassPattern.FindStringSubmatch(contents)
	if m == nil {
		return rule, fmt.Errorf("nginx config for %s has no proxy_pass", project)
	}
	host, portStr, err := net.SplitHostPort(m[1])
	if err != nil {
		return rule, fmt.Errorf("nginx config for %s: parse proxy_pass %q: %w", project, m[1], err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return rule, fmt.Errorf("nginx config for %s: parse port %q: %w", project, portStr, err)
	}
	rule.TargetAddress = host
	rule.TargetPort = port
	return rule, nil
}
