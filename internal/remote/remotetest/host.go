// Package remotetest provides an in-memory Linux host that understands the
// command strings the orchestrator sends, for use in tests.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote"
)

// Container is a simulated docker container.
type Container struct {
	ID       string
	Name     string
	Image    string
	State    string
	Networks map[string]string
	Labels   map[string]string
	Env      map[string]string
	Port     int
	Healthy  bool
	Logs     []string
}

type failure struct {
	match     string
	remaining int
	exitCode  int
	stderr    string
	timeout   bool
}

// Host is a stateful fake implementing remote.Session and remote.Dialer.
type Host struct {
	mu sync.Mutex

	Binaries   map[string]string
	AptFresh   bool
	Networks   map[string]bool
	Containers map[string]*Container
	Files      map[string]string
	Dirs       map[string]bool

	// UnhealthyImages never answer HTTP probes.
	UnhealthyImages map[string]bool
	// NginxCheck validates the nginx configuration on nginx -t. The default
	// requires balanced braces in every conf.d/*.conf file.
	NginxCheck func(files map[string]string) error
	// ConnectErr is returned by Connect when set.
	ConnectErr error

	commands []string
	failures []*failure
	reloads  int
	nextID   int
	nextIP   map[string]int
	subnets  map[string]int
	closed   bool

	// loaded is the conf.d snapshot nginx read at its last start or reload.
	loaded map[string]string
}

// NewHost returns a bare host: no software installed, stale package index.
func NewHost() *Host {
	return &Host{
		Binaries:        map[string]string{},
		Networks:        map[string]bool{"bridge": true, "host": true, "none": true},
		Containers:      map[string]*Container{},
		Files:           map[string]string{},
		Dirs:            map[string]bool{"/": true},
		UnhealthyImages: map[string]bool{},
		loaded:          map[string]string{},
		nextIP:          map[string]int{},
		subnets:         map[string]int{},
	}
}

// Install marks binaries as present with plausible versions.
func (h *Host) Install(names ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range names {
		h.Binaries[n] = defaultVersion(n)
	}
}

func defaultVersion(name string) string {
	switch name {
	case "docker":
		return "Docker version 27.3.1, build ce12230"
	case "compose":
		return "Docker Compose version v2.29.7"
	case "git":
		return "git version 2.43.0"
	case "node":
		return "v20.18.0"
	default:
		return name + " 1.0"
	}
}

// Connect implements remote.Dialer.
func (h *Host) Connect(ctx context.Context, _ domain.ServerTarget) (remote.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ConnectErr != nil {
		return nil, h.ConnectErr
	}
	h.closed = false
	return h, nil
}

// Close implements remote.Session.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// FailNext makes the next times commands containing match exit with
// exitCode and stderr.
func (h *Host) FailNext(match string, times, exitCode int, stderr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, &failure{match: match, remaining: times, exitCode: exitCode, stderr: stderr})
}

// TimeoutNext makes the next times commands containing match time out.
func (h *Host) TimeoutNext(match string, times int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, &failure{match: match, remaining: times, timeout: true})
}

// Commands returns every command executed so far.
func (h *Host) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

// CommandsContaining counts executed commands containing substr.
func (h *Host) CommandsContaining(substr string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.commands {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

// ResetCommands clears the command log.
func (h *Host) ResetCommands() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = nil
}

// Reloads counts nginx reloads (exec reload or HUP).
func (h *Host) Reloads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reloads
}

// File returns a file's contents.
func (h *Host) File(path string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.Files[path]
	return c, ok
}

// WriteFile places a file on disk without telling any process about it.
func (h *Host) WriteFile(path, contents string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Files[path] = contents
}

// Container returns a copy of the named container.
func (h *Host) Container(name string) (Container, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.Containers[name]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// AddContainer places a running container on the host.
func (h *Host) AddContainer(name, image string, port int, networks ...string) *Container {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.newContainer(name, image)
	c.Port = port
	for _, n := range networks {
		h.Networks[n] = true
		c.Networks[n] = h.allocIP(n)
	}
	h.started(c)
	return c
}

// SetState forces a container state.
func (h *Host) SetState(name, state string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.Containers[name]; ok {
		c.State = state
	}
}

// ReassignIP gives a container a fresh address on network, as docker does
// when a container is recreated or restarted.
func (h *Host) ReassignIP(name, network string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.Containers[name]
	if !ok {
		return ""
	}
	c.Networks[network] = h.allocIP(network)
	return c.Networks[network]
}

// Detach removes a container from a network.
func (h *Host) Detach(name, network string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.Containers[name]; ok {
		delete(c.Networks, network)
	}
}

// Run implements remote.Session.
func (h *Host) Run(ctx context.Context, command string, _ time.Duration) (remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return remote.Result{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return remote.Result{}, domain.NewError(domain.KindChannelClosed, "run", "session closed")
	}
	h.commands = append(h.commands, command)
	for _, f := range h.failures {
		if f.remaining > 0 && strings.Contains(command, f.match) {
			f.remaining--
			if f.timeout {
				return remote.Result{ExitCode: -1}, domain.NewError(domain.KindNetworkTimeout, "run", "command timed out")
			}
			return remote.Result{ExitCode: f.exitCode, Stderr: f.stderr}, nil
		}
	}
	return h.dispatch(command), nil
}

func ok(stdout string) remote.Result { return remote.Result{Stdout: stdout} }

func fail(code int, stderr string) remote.Result {
	return remote.Result{ExitCode: code, Stderr: stderr}
}

var nodeSetupPattern = regexp.MustCompile(`setup_(\d+)\.x`)

func (h *Host) dispatch(command string) remote.Result {
	switch {
	case strings.HasPrefix(command, "cat > ") && strings.Contains(command, "<<'"):
		return h.heredoc(command)
	case strings.Contains(command, "/var/lib/apt/lists"):
		if h.AptFresh {
			return ok("")
		}
		return fail(1, "")
	case strings.Contains(command, "apt-get update"):
		h.AptFresh = true
		return ok("Hit:1 http://archive.ubuntu.com/ubuntu noble InRelease\nReading package lists...\ncurl is already the newest version\n")
	case strings.Contains(command, "get.docker.com"):
		h.Binaries["docker"] = defaultVersion("docker")
		return ok("# Executing docker install script\nClient: Docker Engine - Community\n")
	case strings.Contains(command, "docker-compose-plugin"):
		if _, ok := h.Binaries["docker"]; !ok {
			return fail(100, "E: Unable to locate package docker-compose-plugin")
		}
		h.Binaries["compose"] = defaultVersion("compose")
		return ok("Setting up docker-compose-plugin (2.29.7-1~ubuntu.24.04~noble) ...\n")
	case strings.Contains(command, "apt-get install -y git"):
		h.Binaries["git"] = defaultVersion("git")
		return ok("Setting up git (1:2.43.0-1ubuntu7) ...\n")
	case strings.Contains(command, "nodesource"):
		major := "20"
		if m := nodeSetupPattern.FindStringSubmatch(command); m != nil {
			major = m[1]
		}
		h.Binaries["node"] = "v" + major + ".18.0"
		return ok("## Installing the NodeSource Node.js repository...\nSetting up nodejs (" + major + ".18.0-1nodesource1) ...\n")
	}

	argv, err := remote.SplitWords(command)
	if err != nil || len(argv) == 0 {
		return fail(2, "sh: syntax error")
	}
	switch argv[0] {
	case "docker":
		return h.docker(argv[1:])
	case "git", "node":
		v, ok := h.Binaries[argv[0]]
		if !ok {
			return fail(127, "sh: 1: "+argv[0]+": not found")
		}
		return remote.Result{Stdout: v + "\n"}
	case "curl":
		return h.curl(argv[1:])
	case "test":
		if len(argv) == 3 && argv[1] == "-f" {
			if _, exists := h.Files[argv[2]]; exists {
				return ok("")
			}
		}
		return fail(1, "")
	case "cat":
		if len(argv) != 2 {
			return fail(2, "cat: bad usage")
		}
		c, exists := h.Files[argv[1]]
		if !exists {
			return fail(1, "cat: "+argv[1]+": No such file or directory")
		}
		return ok(c)
	case "mkdir":
		for _, d := range argv[1:] {
			if d != "-p" {
				h.Dirs[d] = true
			}
		}
		return ok("")
	case "cp", "mv":
		args := stripFlags(argv[1:])
		if len(args) != 2 {
			return fail(2, argv[0]+": bad usage")
		}
		c, exists := h.Files[args[0]]
		if !exists {
			return fail(1, argv[0]+": cannot stat '"+args[0]+"': No such file or directory")
		}
		h.Files[args[1]] = c
		if argv[0] == "mv" {
			delete(h.Files, args[0])
		}
		return ok("")
	case "rm":
		for _, p := range stripFlags(argv[1:]) {
			delete(h.Files, p)
		}
		return ok("")
	}
	return fail(127, "sh: 1: "+argv[0]+": not found")
}

func stripFlags(args []string) []string {
	var out []string
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			out = append(out, a)
		}
	}
	return out
}

func (h *Host) heredoc(command string) remote.Result {
	header, body, found := strings.Cut(command, "\n")
	if !found {
		return fail(2, "sh: unterminated heredoc")
	}
	target := strings.TrimPrefix(header[:strings.Index(header, " <<'")], "cat > ")
	words, err := remote.SplitWords(target)
	if err != nil || len(words) != 1 {
		return fail(2, "sh: bad redirect")
	}
	content, found := strings.CutSuffix(body, remote.HeredocDelimiter)
	if !found {
		return fail(2, "sh: unterminated heredoc")
	}
	h.Files[words[0]] = content
	return ok("")
}

func (h *Host) newContainer(name, image string) *Container {
	h.nextID++
	c := &Container{
		ID:       fmt.Sprintf("%064x", 0xc0ffee000+h.nextID),
		Name:     name,
		Image:    image,
		State:    "running",
		Networks: map[string]string{},
		Labels:   map[string]string{},
		Env:      map[string]string{},
		Healthy:  !h.UnhealthyImages[image],
	}
	if c.Healthy {
		c.Logs = []string{"server listening"}
	} else {
		c.Logs = []string{"Error: application crashed on startup"}
	}
	h.Containers[name] = c
	return c
}

func (h *Host) allocIP(network string) string {
	subnet, known := h.subnets[network]
	if !known {
		subnet = 18 + len(h.subnets)
		h.subnets[network] = subnet
	}
	h.nextIP[network]++
	return fmt.Sprintf("172.%d.0.%d", subnet, h.nextIP[network]+1)
}

func (h *Host) lookup(ref string) *Container {
	if c, ok := h.Containers[ref]; ok {
		return c
	}
	for _, c := range h.Containers {
		if strings.HasPrefix(c.ID, ref) {
			return c
		}
	}
	return nil
}

func (h *Host) docker(args []string) remote.Result {
	if _, ok := h.Binaries["docker"]; !ok {
		return fail(127, "sh: 1: docker: not found")
	}
	if len(args) == 0 {
		return fail(1, "docker: missing command")
	}
	switch args[0] {
	case "--version":
		return ok(h.Binaries["docker"] + "\n")
	case "version":
		return ok("27.3.1\n")
	case "compose":
		v, present := h.Binaries["compose"]
		if !present {
			return fail(1, "docker: 'compose' is not a docker command.")
		}
		return ok(v + "\n")
	case "network":
		return h.dockerNetwork(args[1:])
	case "ps":
		return h.dockerPS(args[1:])
	case "inspect":
		return h.dockerInspect(args[1:])
	case "run":
		return h.dockerRun(args[1:])
	case "start", "stop", "restart":
		if len(args) != 2 {
			return fail(1, "docker: bad usage")
		}
		c := h.lookup(args[1])
		if c == nil {
			return fail(1, "Error response from daemon: No such container: "+args[1])
		}
		if args[0] == "stop" {
			c.State = "exited"
		} else {
			c.State = "running"
			h.started(c)
		}
		return ok(args[1] + "\n")
	case "rm":
		refs := stripFlags(args[1:])
		for _, ref := range refs {
			c := h.lookup(ref)
			if c == nil {
				return fail(1, "Error response from daemon: No such container: "+ref)
			}
			delete(h.Containers, c.Name)
		}
		return ok(strings.Join(refs, "\n") + "\n")
	case "logs":
		return h.dockerLogs(args[1:])
	case "exec":
		return h.dockerExec(args[1:])
	case "kill":
		ref := args[len(args)-1]
		c := h.lookup(ref)
		if c == nil || c.State != "running" {
			return fail(1, "Error response from daemon: cannot kill container: "+ref)
		}
		h.reloads++
		h.started(c)
		return ok(ref + "\n")
	}
	return fail(1, "docker: '"+args[0]+"' is not a docker command.")
}

func (h *Host) dockerNetwork(args []string) remote.Result {
	if len(args) == 0 {
		return fail(1, "docker network: missing command")
	}
	switch args[0] {
	case "ls":
		names := make([]string, 0, len(h.Networks))
		for n := range h.Networks {
			names = append(names, n)
		}
		sort.Strings(names)
		return ok(strings.Join(names, "\n") + "\n")
	case "inspect":
		if len(args) < 2 || !h.Networks[args[1]] {
			return fail(1, "Error response from daemon: network "+args[len(args)-1]+" not found")
		}
		return ok(args[1] + "\n")
	case "create":
		name := args[len(args)-1]
		if h.Networks[name] {
			return fail(1, "Error response from daemon: network with name "+name+" already exists")
		}
		h.Networks[name] = true
		return ok(fmt.Sprintf("%064x\n", len(h.Networks)))
	case "connect":
		if len(args) != 3 {
			return fail(1, "docker network connect: bad usage")
		}
		network, ref := args[1], args[2]
		if !h.Networks[network] {
			return fail(1, "Error response from daemon: network "+network+" not found")
		}
		c := h.lookup(ref)
		if c == nil {
			return fail(1, "Error response from daemon: No such container: "+ref)
		}
		if _, attached := c.Networks[network]; attached {
			return fail(1, "Error response from daemon: endpoint with name "+c.Name+" already exists in network "+network)
		}
		c.Networks[network] = h.allocIP(network)
		return ok("")
	}
	return fail(1, "docker network: unknown command "+args[0])
}

func (h *Host) dockerPS(args []string) remote.Result {
	all := false
	var filters []string
	format := "{{.Names}}"
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-a":
			all = true
		case "--filter":
			i++
			filters = append(filters, args[i])
		case "--format":
			i++
			format = args[i]
		}
	}
	names := make([]string, 0, len(h.Containers))
	for n := range h.Containers {
		names = append(names, n)
	}
	sort.Strings(names)
	var lines []string
	for _, n := range names {
		c := h.Containers[n]
		if !all && c.State != "running" {
			continue
		}
		if !matchFilters(c, filters) {
			continue
		}
		line := strings.NewReplacer("{{.Names}}", c.Name, "{{.Image}}", c.Image, "{{.State}}", c.State, "{{.ID}}", c.ID[:12]).Replace(format)
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return ok("")
	}
	return ok(strings.Join(lines, "\n") + "\n")
}

func matchFilters(c *Container, filters []string) bool {
	for _, f := range filters {
		key, value, _ := strings.Cut(f, "=")
		switch key {
		case "status":
			if c.State != value {
				return false
			}
		case "name":
			if strings.HasPrefix(value, "^/") && strings.HasSuffix(value, "$") {
				if c.Name != strings.TrimSuffix(strings.TrimPrefix(value, "^/"), "$") {
					return false
				}
			} else if !strings.Contains(c.Name, value) {
				return false
			}
		}
	}
	return true
}

func (h *Host) dockerInspect(args []string) remote.Result {
	refs := stripFlags(args)
	if len(refs) > 0 && refs[0] == "container" {
		refs = refs[1:]
	}
	var docs []map[string]any
	for _, ref := range refs {
		c := h.lookup(ref)
		if c == nil {
			return remote.Result{ExitCode: 1, Stdout: "[]\n", Stderr: "Error: No such container: " + ref}
		}
		networks := map[string]any{}
		for n, ip := range c.Networks {
			networks[n] = map[string]any{"IPAddress": ip, "NetworkID": n}
		}
		docs = append(docs, map[string]any{
			"Id":    c.ID,
			"Name":  "/" + c.Name,
			"Image": "sha256:" + c.ID,
			"State": map[string]any{
				"Status":  c.State,
				"Running": c.State == "running",
			},
			"Config": map[string]any{
				"Image":  c.Image,
				"Labels": c.Labels,
			},
			"NetworkSettings": map[string]any{
				"Networks": networks,
			},
		})
	}
	out, _ := json.Marshal(docs)
	return ok(string(out) + "\n")
}

func (h *Host) dockerRun(args []string) remote.Result {
	var (
		name, network string
		labels        = map[string]string{}
		env           = map[string]string{}
		port          int
		rest          []string
	)
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch a {
		case "-d":
		case "--name", "--network", "--restart", "--label", "-e", "--expose", "-p", "-v":
			if i+1 >= len(args) {
				return fail(125, "docker: flag needs an argument: "+a)
			}
			i++
			v := args[i]
			switch a {
			case "--name":
				name = v
			case "--network":
				network = v
			case "--label":
				k, val, _ := strings.Cut(v, "=")
				labels[k] = val
			case "-e":
				k, val, _ := strings.Cut(v, "=")
				env[k] = val
			case "--expose":
				p, _, _ := strings.Cut(v, "/")
				port, _ = strconv.Atoi(p)
			}
		default:
			rest = args[i:]
			i = len(args)
		}
	}
	if len(rest) == 0 {
		return fail(125, "docker: 'docker run' requires at least 1 argument.")
	}
	if name != "" {
		if _, exists := h.Containers[name]; exists {
			return fail(125, `docker: Error response from daemon: Conflict. The container name "/`+name+`" is already in use.`)
		}
	}
	if network != "" && !h.Networks[network] {
		return fail(125, "docker: Error response from daemon: network "+network+" not found.")
	}
	c := h.newContainer(name, rest[0])
	c.Labels, c.Env, c.Port = labels, env, port
	if network != "" {
		c.Networks[network] = h.allocIP(network)
	} else {
		c.Networks["bridge"] = h.allocIP("bridge")
	}
	h.started(c)
	return ok(c.ID + "\n")
}

func (h *Host) dockerLogs(args []string) remote.Result {
	tail := 0
	var ref string
	for i := 0; i < len(args); i++ {
		if args[i] == "--tail" && i+1 < len(args) {
			tail, _ = strconv.Atoi(args[i+1])
			i++
			continue
		}
		ref = args[i]
	}
	c := h.lookup(ref)
	if c == nil {
		return fail(1, "Error response from daemon: No such container: "+ref)
	}
	logs := c.Logs
	if tail > 0 && len(logs) > tail {
		logs = logs[len(logs)-tail:]
	}
	return ok(strings.Join(logs, "\n") + "\n")
}

func (h *Host) dockerExec(args []string) remote.Result {
	if len(args) < 2 {
		return fail(1, "docker exec: bad usage")
	}
	c := h.lookup(args[0])
	if c == nil {
		return fail(1, "Error response from daemon: No such container: "+args[0])
	}
	if c.State != "running" {
		return fail(1, "Error response from daemon: container "+c.ID+" is not running")
	}
	cmd := strings.Join(args[1:], " ")
	switch cmd {
	case "nginx -t":
		check := h.NginxCheck
		if check == nil {
			check = balancedBraces
		}
		if err := check(h.confFiles()); err != nil {
			return fail(1, "nginx: [emerg] "+err.Error()+"\nnginx: configuration file /etc/nginx/nginx.conf test failed")
		}
		return remote.Result{Stderr: "nginx: the configuration file /etc/nginx/nginx.conf syntax is ok\nnginx: configuration file /etc/nginx/nginx.conf test is successful"}
	case "nginx -s reload":
		h.reloads++
		h.started(c)
		return remote.Result{Stderr: "signal process started"}
	}
	return fail(126, "OCI runtime exec failed: "+args[1]+": not found")
}

// started makes an nginx container read conf.d, as it does on start, reload
// and HUP.
func (h *Host) started(c *Container) {
	if !strings.HasPrefix(c.Image, "nginx") {
		return
	}
	h.loaded = h.confFiles()
}

func (h *Host) confFiles() map[string]string {
	out := map[string]string{}
	for p, c := range h.Files {
		if strings.Contains(p, "/conf.d/") && strings.HasSuffix(p, ".conf") {
			out[p] = c
		}
	}
	return out
}

func balancedBraces(files map[string]string) error {
	for p, c := range files {
		if strings.Count(c, "{") != strings.Count(c, "}") {
			return fmt.Errorf("unexpected end of file, expecting \"}\" in %s", p)
		}
	}
	return nil
}

var (
	serverNameLine = regexp.MustCompile(`server_name\s+([^;\s]+);`)
	proxyPassLine  = regexp.MustCompile(`proxy_pass\s+http://([^;\s]+);`)
	hostRule       = regexp.MustCompile("Host\\(`([^`]+)`\\)")
)

func (h *Host) curl(args []string) remote.Result {
	var url, hostHeader string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-H" && i+1 < len(args):
			i++
			if v, found := strings.CutPrefix(args[i], "Host: "); found {
				hostHeader = v
			}
		case args[i] == "-o" || args[i] == "-w" || args[i] == "--max-time":
			i++
		case strings.HasPrefix(args[i], "http://"):
			url = args[i]
		}
	}
	addr := strings.TrimPrefix(url, "http://")
	if i := strings.Index(addr, "/"); i >= 0 {
		addr = addr[:i]
	}
	if hostHeader != "" && (addr == "127.0.0.1:80" || addr == "127.0.0.1") {
		return h.viaProxy(hostHeader)
	}
	if h.answers(addr) {
		return ok("200")
	}
	return remote.Result{ExitCode: 7, Stdout: "000"}
}

// viaProxy answers a request on port 80 the way the running proxy would: the
// default server says 404 when no loaded route matches, and 502 means the
// upstream is not reachable from the proxy's networks.
func (h *Host) viaProxy(host string) remote.Result {
	proxy := h.runningProxy()
	if proxy == nil {
		return remote.Result{ExitCode: 7, Stdout: "000"}
	}
	var (
		target string
		found  bool
	)
	if isTraefik(proxy) {
		target, found = h.traefikRoute(host)
	} else {
		target, found = h.nginxRoute(host)
	}
	if !found {
		return ok("404")
	}
	if !h.reachableFrom(proxy, target) || !h.answers(target) {
		return ok("502")
	}
	return ok("200")
}

func isTraefik(c *Container) bool {
	return strings.Contains(c.Name, "traefik") || strings.HasPrefix(c.Image, "traefik")
}

// runningProxy prefers a running Traefik over nginx, like the resolver.
func (h *Host) runningProxy() *Container {
	var nginx *Container
	for _, c := range h.Containers {
		if c.State != "running" {
			continue
		}
		if isTraefik(c) {
			return c
		}
		if strings.HasPrefix(c.Image, "nginx") {
			nginx = c
		}
	}
	return nginx
}

func (h *Host) nginxRoute(host string) (string, bool) {
	for _, conf := range h.loaded {
		sn := serverNameLine.FindStringSubmatch(conf)
		pp := proxyPassLine.FindStringSubmatch(conf)
		if sn != nil && pp != nil && sn[1] == host {
			return pp[1], true
		}
	}
	return "", false
}

// reachableFrom reports whether target's IP lives on a network proxy joined.
func (h *Host) reachableFrom(proxy *Container, target string) bool {
	ip, _, _ := strings.Cut(target, ":")
	for _, c := range h.Containers {
		for n, cip := range c.Networks {
			if cip != ip {
				continue
			}
			if _, joined := proxy.Networks[n]; joined {
				return true
			}
		}
	}
	return false
}

func (h *Host) traefikRoute(host string) (string, bool) {
	for _, c := range h.Containers {
		if c.Labels["traefik.enable"] != "true" {
			continue
		}
		for k, v := range c.Labels {
			if !strings.HasSuffix(k, ".rule") {
				continue
			}
			if m := hostRule.FindStringSubmatch(v); m == nil || m[1] != host {
				continue
			}
			ip := c.Networks[c.Labels["traefik.docker.network"]]
			for lk, lv := range c.Labels {
				if strings.HasSuffix(lk, ".loadbalancer.server.port") && ip != "" {
					return ip + ":" + lv, true
				}
			}
		}
	}
	return "", false
}

func (h *Host) answers(addr string) bool {
	ip, portStr, found := strings.Cut(addr, ":")
	if !found {
		portStr = "80"
	}
	port, _ := strconv.Atoi(portStr)
	for _, c := range h.Containers {
		if c.State != "running" || !c.Healthy || c.Port != port {
			continue
		}
		for _, cip := range c.Networks {
			if cip == ip {
				return true
			}
		}
	}
	return false
}
