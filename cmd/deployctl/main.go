package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/config"
)

var buildVersion = "dev"

// app holds the process-level collaborators so tests can replace the SSH
// transport and the terminal prompt.
type app struct {
	out    io.Writer
	errOut io.Writer
	dialer func(cfg config.OrchestratorConfig, log *slog.Logger) (remote.Dialer, error)
	prompt func(label string) (string, error)
}

func main() {
	a := &app{out: os.Stdout, errOut: os.Stderr, dialer: sshDialer, prompt: promptSecret}
	if err := newRootCmd(a).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "deployctl",
		Short:         "Operate the deploy-manager orchestrator",
		Version:       strings.TrimSpace(buildVersion),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.out)
	root.AddCommand(
		a.encryptCmd(),
		a.hashKeyCmd(),
		a.tokenCmd(),
		a.loginCmd(),
		a.serversCmd(),
		a.provisionCmd(),
		a.statusCmd(),
		a.deployCmd(),
		a.undeployCmd(),
		a.diagnoseCmd(),
		a.localCmd(),
	)
	return root
}

func sshDialer(cfg config.OrchestratorConfig, log *slog.Logger) (remote.Dialer, error) {
	d, err := remote.NewSSHDialer(remote.SSHConfig{
		ConnectTimeout: cfg.SSHConnectTimeout,
		CommandTimeout: cfg.SSHCommandTimeout,
		KnownHostsFile: cfg.SSHKnownHosts,
	}, log)
	if err != nil {
		return nil, err
	}
	return remote.AuditedDialer(d, log, nil), nil
}

func promptSecret(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", strings.ToLower(label), err)
	}
	return string(bytes), nil
}

// secretValue returns value, or prompts for it when empty.
func (a *app) secretValue(value, label string) (string, error) {
	if value != "" {
		return value, nil
	}
	secret, err := a.prompt(label)
	if err != nil {
		return "", err
	}
	if secret == "" {
		return "", fmt.Errorf("%s must not be empty", strings.ToLower(label))
	}
	return secret, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
