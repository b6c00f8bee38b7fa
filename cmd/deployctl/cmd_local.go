package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/app/stack"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/repository/memory"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/deploy"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/diagnose"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/config"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/logger"
)

// localTarget collects the SSH flags shared by every local subcommand.
type localTarget struct {
	target  domain.ServerTarget
	keyFile string
	askPass bool
	verbose bool
}

func (lt *localTarget) bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&lt.target.Host, "host", "", "SSH host")
	cmd.PersistentFlags().IntVar(&lt.target.Port, "port", domain.DefaultSSHPort, "SSH port")
	cmd.PersistentFlags().StringVar(&lt.target.Username, "user", "root", "SSH user")
	cmd.PersistentFlags().StringVar(&lt.keyFile, "key-file", "", "private key file")
	cmd.PersistentFlags().BoolVar(&lt.askPass, "password", false, "prompt for an SSH password")
	cmd.PersistentFlags().BoolVarP(&lt.verbose, "verbose", "v", false, "log every remote command")
	_ = cmd.MarkPersistentFlagRequired("host")
}

// printer renders stream events on the terminal.
type printer struct{ w io.Writer }

func (p printer) Publish(_ string, ev domain.Event) {
	switch {
	case ev.Progress != nil:
		fmt.Fprintf(p.w, "[%3d%%] %s\n", ev.Progress.Progress, ev.Progress.Message)
	case ev.Log != nil:
		fmt.Fprintf(p.w, "       %s\n", ev.Log.Text)
	case ev.Failure != nil:
		fmt.Fprintf(p.w, "failed (%s): %s\n", ev.Failure.ErrorKind, ev.Failure.Detail)
		for _, line := range ev.Failure.LogTail {
			fmt.Fprintf(p.w, "  | %s\n", line)
		}
	}
}

// stack loads credentials and builds an in-memory stack around the dialer.
func (a *app) stack(lt *localTarget) (stack.Stack, remote.Dialer, error) {
	if err := loadCredentials(a, &lt.target.Password, &lt.target.PrivateKey, lt.keyFile, lt.askPass); err != nil {
		return stack.Stack{}, nil, err
	}
	cfg := config.LoadOrchestratorConfig()
	level := slog.LevelWarn
	if lt.verbose {
		level = slog.LevelDebug
	}
	log := logger.NewWithWriter(a.errOut, "deployctl", level)
	dialer, err := a.dialer(cfg, log)
	if err != nil {
		return stack.Stack{}, nil, err
	}
	return stack.New(cfg, stack.Deps{
		Dialer: dialer,
		Store:  memory.New(),
		Events: printer{w: a.out},
		Logger: log,
	}), dialer, nil
}

// session connects to the target and builds an in-memory stack around it.
func (a *app) session(ctx context.Context, lt *localTarget) (stack.Stack, remote.Session, error) {
	s, dialer, err := a.stack(lt)
	if err != nil {
		return stack.Stack{}, nil, err
	}
	session, err := dialer.Connect(ctx, lt.target)
	if err != nil {
		return stack.Stack{}, nil, err
	}
	return s, session, nil
}

// provisionHosts provisions the --host target and every extra host with the
// same credentials, at most parallel at a time.
func (a *app) provisionHosts(ctx context.Context, lt *localTarget, extra []string, parallel int) error {
	s, _, err := a.stack(lt)
	if err != nil {
		return err
	}
	targets := map[string]domain.ServerTarget{lt.target.String(): lt.target}
	for _, host := range extra {
		t := lt.target
		t.Host = host
		targets[t.String()] = t
	}
	results := s.Machine.ProvisionAll(ctx, targets, parallel)

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var failed []error
	for _, id := range ids {
		if err := results[id]; err != nil {
			fmt.Fprintf(a.out, "%s failed: %v\n", id, err)
			failed = append(failed, fmt.Errorf("%s: %w", id, err))
			continue
		}
		fmt.Fprintf(a.out, "%s is %s\n", id, domain.ProvisioningReady)
	}
	return errors.Join(failed...)
}

func (a *app) localCmd() *cobra.Command {
	lt := &localTarget{}
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Drive a host directly over SSH without an orchestrator",
	}
	lt.bind(cmd)

	var parallel int
	provision := &cobra.Command{
		Use:   "provision [more-hosts...]",
		Short: "Install the runtime stack on --host and any extra hosts sharing its credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.provisionHosts(cmd.Context(), lt, args, parallel)
		},
	}
	provision.Flags().IntVar(&parallel, "parallel", 4, "hosts provisioned at the same time")

	var (
		req deploy.Request
		env []string
	)
	deployCmd := &cobra.Command{
		Use:   "deploy",
		Short: "Provision if needed, run the image and route the domain to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseEnv(env)
			if err != nil {
				return err
			}
			req.Project.Env = vars
			req.Project.Name = projectName(req.Project.Name, req.Project.Domain)
			req.ServerID = lt.target.String()
			s, session, err := a.session(cmd.Context(), lt)
			if err != nil {
				return err
			}
			defer session.Close()
			res, err := s.Deploy.DeployWith(cmd.Context(), session, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s served by %s at %s\n", req.Project.Domain, res.ProxyKind, res.Address)
			return nil
		},
	}
	deployCmd.Flags().StringVar(&req.Image, "image", "", "container image")
	deployCmd.Flags().StringVar(&req.Project.Name, "project", "", "project name (defaults to one derived from --domain)")
	deployCmd.Flags().StringVar(&req.Project.Domain, "domain", "", "public domain")
	deployCmd.Flags().IntVar(&req.Project.Port, "port-app", 0, "container port")
	deployCmd.Flags().BoolVar(&req.Project.TLSEnabled, "tls", false, "enable TLS on the route")
	deployCmd.Flags().StringArrayVar(&env, "env", nil, "KEY=VALUE environment variable (repeatable)")

	var (
		target diagnose.Target
		repair bool
	)
	diagnoseCmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Classify the project's health and optionally repair it",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, session, err := a.session(cmd.Context(), lt)
			if err != nil {
				return err
			}
			defer session.Close()
			run := s.Diagnoser.Diagnose
			if repair {
				run = s.Diagnoser.Repair
			}
			report, err := run(cmd.Context(), session, target)
			if err != nil {
				return err
			}
			return a.printJSON(report)
		},
	}
	diagnoseCmd.Flags().StringVar(&target.Project, "project", "", "project name")
	diagnoseCmd.Flags().StringVar(&target.Domain, "domain", "", "public domain")
	diagnoseCmd.Flags().IntVar(&target.Port, "port-app", 0, "container port")
	diagnoseCmd.Flags().BoolVar(&repair, "repair", false, "apply one repair cycle")

	undeployCmd := &cobra.Command{
		Use:   "undeploy <project>",
		Short: "Remove the project's container and route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, session, err := a.session(cmd.Context(), lt)
			if err != nil {
				return err
			}
			defer session.Close()
			if err := s.Deploy.UndeployWith(cmd.Context(), session, lt.target.String(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Removed %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(provision, deployCmd, diagnoseCmd, undeployCmd)
	return cmd
}
