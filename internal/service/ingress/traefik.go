package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/docker"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote"
)

// Labels is a set of container labels consumed by Traefik's docker provider.
type Labels map[string]string

// LabelOptions tunes generated router names and entrypoints.
type LabelOptions struct {
	CertResolver     string
	EntryPoint       string
	SecureEntryPoint string
}

func (o LabelOptions) withDefaults() LabelOptions {
	if o.CertResolver == "" {
		o.CertResolver = "letsencrypt"
	}
	if o.EntryPoint == "" {
		o.EntryPoint = "web"
	}
	if o.SecureEntryPoint == "" {
		o.SecureEntryPoint = "websecure"
	}
	return o
}

// GenerateLabels returns the label set routing host to port of the project's
// container over network. The result depends only on its arguments.
func GenerateLabels(host string, port int, project string, tlsEnabled bool, network string, opts LabelOptions) (Labels, error) {
	if err := remote.ValidateDomain(host); err != nil {
		return nil, err
	}
	if err := remote.ValidatePort(port); err != nil {
		return nil, err
	}
	if err := remote.ValidateProjectName(project); err != nil {
		return nil, err
	}
	if err := remote.ValidateRef("network", network); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	router := "traefik.http.routers." + project
	rule := "Host(`" + host + "`)"
	labels := Labels{
		"traefik.enable":         "true",
		"traefik.docker.network": network,
		router + ".rule":         rule,
		router + ".entrypoints":  opts.EntryPoint,
		router + ".service":      project,
	}
	labels["traefik.http.services."+project+".loadbalancer.server.port"] = strconv.Itoa(port)
	if tlsEnabled {
		secure := "traefik.http.routers." + project + "-secure"
		redirect := project + "-redirect"
		labels[secure+".rule"] = rule
		labels[secure+".entrypoints"] = opts.SecureEntryPoint
		labels[secure+".service"] = project
		labels[secure+".tls"] = "true"
		labels[secure+".tls.certresolver"] = opts.CertResolver
		labels["traefik.http.middlewares."+redirect+".redirectscheme.scheme"] = "https"
		labels["traefik.http.middlewares."+redirect+".redirectscheme.permanent"] = "true"
		labels[router+".middlewares"] = redirect
	}
	return labels, nil
}

// Keys returns label keys in sorted order.
func (l Labels) Keys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RunArgs renders the labels as docker run flags.
func (l Labels) RunArgs() []string {
	args := make([]string, 0, 2*len(l))
	for _, k := range l.Keys() {
		args = append(args, "--label", k+"="+l[k])
	}
	return args
}

// ParseRunArgs is the inverse of RunArgs. Flags other than --label are
// rejected.
func ParseRunArgs(args []string) (Labels, error) {
	out := Labels{}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		var kv string
		switch {
		case arg == "--label" || arg == "-l":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("flag %s missing value", arg)
			}
			i++
			kv = args[i]
		case strings.HasPrefix(arg, "--label="):
			kv = strings.TrimPrefix(arg, "--label=")
		default:
			return nil, fmt.Errorf("unexpected argument %q", arg)
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("label %q is not key=value", kv)
		}
		out[k] = v
	}
	return out, nil
}

type composeService struct {
	Labels []string `yaml:"labels"`
}

// ComposeYAML renders the labels as a compose service fragment.
func (l Labels) ComposeYAML() (string, error) {
	svc := composeService{Labels: make([]string, 0, len(l))}
	for _, k := range l.Keys() {
		svc.Labels = append(svc.Labels, k+"="+l[k])
	}
	out, err := yaml.Marshal(svc)
	if err != nil {
		return "", fmt.Errorf("marshal compose labels: %w", err)
	}
	return string(out), nil
}

// ParseComposeYAML reads a compose `labels:` fragment in either list or map
// form.
func ParseComposeYAML(doc string) (Labels, error) {
	var raw struct {
		Labels yaml.Node `yaml:"labels"`
	}
	if err := yaml.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, fmt.Errorf("parse compose labels: %w", err)
	}
	out := Labels{}
	switch raw.Labels.Kind {
	case 0:
		return out, nil
	case yaml.SequenceNode:
		var items []string
		if err := raw.Labels.Decode(&items); err != nil {
			return nil, fmt.Errorf("decode label list: %w", err)
		}
		for _, item := range items {
			k, v, ok := strings.Cut(item, "=")
			if !ok || k == "" {
				return nil, fmt.Errorf("label %q is not key=value", item)
			}
			out[k] = v
		}
	case yaml.MappingNode:
		var m map[string]string
		if err := raw.Labels.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode label map: %w", err)
		}
		for k, v := range m {
			out[k] = v
		}
	default:
		return nil, fmt.Errorf("labels must be a list or a map")
	}
	return out, nil
}

var hostRulePattern = regexp.MustCompile("Host\\(`([^`]+)`\\)")

// Route extracts the domain and port a project's labels route. The boolean
// is false when no router for the project is declared.
func (l Labels) Route(project string) (host string, port int, network string, ok bool) {
	rule, found := l["traefik.http.routers."+project+".rule"]
	if !found || l["traefik.enable"] != "true" {
		return "", 0, "", false
	}
	if m := hostRulePattern.FindStringSubmatch(rule); m != nil {
		host = m[1]
	}
	port, _ = strconv.Atoi(l["traefik.http.services."+project+".loadbalancer.server.port"])
	return host, port, l["traefik.docker.network"], true
}

// TraefikConfig describes the Traefik container installed on bare hosts.
type TraefikConfig struct {
	ContainerName  string
	Image          string
	CertResolver   string
	ACMEEmail      string
	DataDir        string
	CommandTimeout time.Duration
}

// Traefik installs a Traefik instance with the docker provider.
type Traefik struct {
	cfg    TraefikConfig
	logger *slog.Logger
}

// NewTraefik constructs a Traefik installer.
func NewTraefik(cfg TraefikConfig, logger *slog.Logger) Traefik {
	if cfg.ContainerName == "" {
		cfg.ContainerName = "traefik"
	}
	if cfg.Image == "" {
		cfg.Image = "traefik:v2.11"
	}
	if cfg.CertResolver == "" {
		cfg.CertResolver = "letsencrypt"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/opt/deploy-manager/traefik"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Traefik{cfg: cfg, logger: logger}
}

// ContainerName returns the managed container name.
func (t Traefik) ContainerName() string { return t.cfg.ContainerName }

// LabelOptions returns options matching this installation's resolver name.
func (t Traefik) LabelOptions() LabelOptions {
	return LabelOptions{CertResolver: t.cfg.CertResolver}
}

// EnsureInstalled starts the Traefik container when it is not running.
func (t Traefik) EnsureInstalled(ctx context.Context, s remote.Session, network string) error {
	cli := docker.New(s, t.cfg.CommandTimeout)
	state, err := cli.ContainerState(ctx, t.cfg.ContainerName)
	if err != nil {
		return fmt.Errorf("traefik state: %w", err)
	}
	switch state {
	case "running":
		return cli.ConnectNetwork(ctx, network, t.cfg.ContainerName)
	case "":
	default:
		return cli.StartContainer(ctx, t.cfg.ContainerName)
	}
	if err := remote.ValidateRef("network", network); err != nil {
		return err
	}
	acmeDir := t.cfg.DataDir + "/acme"
	if err := (remote.Files{Session: s, Timeout: t.cfg.CommandTimeout}).MkdirAll(ctx, acmeDir); err != nil {
		return fmt.Errorf("prepare traefik directories: %w", err)
	}
	resolver := "--certificatesresolvers." + t.cfg.CertResolver + ".acme"
	cmd := []string{
		"--providers.docker=true",
		"--providers.docker.exposedbydefault=false",
		"--providers.docker.network=" + network,
		"--entrypoints.web.address=:80",
		"--entrypoints.websecure.address=:443",
		resolver + ".storage=/acme/acme.json",
		resolver + ".httpchallenge.entrypoint=web",
	}
	if t.cfg.ACMEEmail != "" {
		cmd = append(cmd, resolver+".email="+t.cfg.ACMEEmail)
	}
	_, err = cli.RunContainer(ctx, docker.RunOptions{
		Name:    t.cfg.ContainerName,
		Image:   t.cfg.Image,
		Network: network,
		Restart: "unless-stopped",
		Publish: []string{"80:80", "443:443"},
		Volumes: []string{
			"/var/run/docker.sock:/var/run/docker.sock:ro",
			acmeDir + ":/acme",
		},
		Cmd: cmd,
	})
	if err != nil {
		return fmt.Errorf("run traefik container: %w", err)
	}
	t.logger.Info("traefik proxy installed", "container", t.cfg.ContainerName, "network", network)
	return nil
}
