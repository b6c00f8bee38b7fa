package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote"
	apiclient "github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/api/client"
)

func (a *app) loginCmd() *cobra.Command {
	var (
		apiURL string
		token  string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save the orchestrator URL and an operator token",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := a.secretValue(token, "Token")
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if apiURL != "" {
				cfg.APIBaseURL = strings.TrimRight(apiURL, "/")
			}
			cfg.AccessToken = strings.TrimSpace(secret)
			if err := saveConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Logged in to %s\n", cfg.APIBaseURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "", "orchestrator base URL")
	cmd.Flags().StringVar(&token, "token", "", "operator token or API key (prompted when omitted)")
	return cmd
}

func (a *app) serversCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Register and list servers",
	}

	var (
		input   apiclient.RegisterServerInput
		keyFile string
		askPass bool
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a server; credentials are encrypted by the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadCredentials(a, &input.Password, &input.PrivateKey, keyFile, askPass); err != nil {
				return err
			}
			cli, err := apiClient()
			if err != nil {
				return err
			}
			server, err := cli.RegisterServer(cmd.Context(), input)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Registered %s (%s@%s)\n", server.ID, server.Username, server.Host)
			return nil
		},
	}
	add.Flags().StringVar(&input.Name, "name", "", "display name")
	add.Flags().StringVar(&input.Host, "host", "", "SSH host")
	add.Flags().IntVar(&input.Port, "port", 22, "SSH port")
	add.Flags().StringVar(&input.Username, "user", "root", "SSH user")
	add.Flags().StringVar(&keyFile, "key-file", "", "private key file")
	add.Flags().BoolVar(&askPass, "password", false, "prompt for an SSH password")
	_ = add.MarkFlagRequired("host")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := apiClient()
			if err != nil {
				return err
			}
			servers, err := cli.ListServers(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTARGET")
			for _, s := range servers {
				fmt.Fprintf(w, "%s\t%s\t%s@%s:%d\n", s.ID, s.Name, s.Username, s.Host, s.Port)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

// loadCredentials fills password or key from the flags; one of them is required.
func loadCredentials(a *app, password, key *string, keyFile string, askPass bool) error {
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("read key file: %w", err)
		}
		*key = string(data)
	}
	if askPass {
		secret, err := a.secretValue("", "SSH password")
		if err != nil {
			return err
		}
		*password = secret
	}
	if *password == "" && *key == "" {
		return errors.New("either --password or --key-file is required")
	}
	return nil
}

func (a *app) provisionCmd() *cobra.Command {
	var retry bool
	cmd := &cobra.Command{
		Use:   "provision <server-id>",
		Short: "Install the runtime stack on a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := apiClient()
			if err != nil {
				return err
			}
			call := cli.Provision
			if retry {
				call = cli.Retry
			}
			accepted, err := call(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Provisioning %s (stream %s)\n", accepted.ServerID, accepted.Topic)
			return nil
		},
	}
	cmd.Flags().BoolVar(&retry, "retry", false, "re-run a provisioning that ended in error")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <server-id>",
		Short: "Show a server's provisioning record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := apiClient()
			if err != nil {
				return err
			}
			rec, err := cli.ProvisioningStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s: %s %d%% %s\n", rec.ServerID, rec.Status, rec.Progress, rec.Step)
			if rec.Error != "" {
				fmt.Fprintf(a.out, "error (%s): %s\n", rec.ErrorKind, rec.Error)
			}
			return nil
		},
	}
}

func (a *app) deployCmd() *cobra.Command {
	var (
		input apiclient.DeployInput
		env   []string
		wait  bool
		list  int
	)
	cmd := &cobra.Command{
		Use:   "deploy <server-id>",
		Short: "Deploy an image behind the server's reverse proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := apiClient()
			if err != nil {
				return err
			}
			if list > 0 {
				deployments, err := cli.ListDeployments(cmd.Context(), args[0], list)
				if err != nil {
					return err
				}
				return a.printJSON(deployments)
			}
			vars, err := parseEnv(env)
			if err != nil {
				return err
			}
			input.ServerID = args[0]
			input.Project.Name = projectName(input.Project.Name, input.Project.Domain)
			input.Project.Env = vars
			accepted, err := cli.Deploy(cmd.Context(), input)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Deployment %s queued\n", accepted.DeploymentID)
			if !wait {
				return nil
			}
			d, err := cli.WaitDeployment(cmd.Context(), accepted.DeploymentID, 2*time.Second)
			if err != nil {
				return err
			}
			if d.Failure != nil {
				for _, line := range d.Failure.LogTail {
					fmt.Fprintln(a.errOut, line)
				}
				return fmt.Errorf("deployment failed (%s): %s", d.Failure.ErrorKind, d.Failure.Detail)
			}
			fmt.Fprintf(a.out, "Deployment %s %s at %s via %s\n", d.ID, d.Status, d.Address, d.ProxyKind)
			return nil
		},
	}
	cmd.Flags().StringVar(&input.Image, "image", "", "container image")
	cmd.Flags().StringVar(&input.Project.Name, "project", "", "project name (defaults to one derived from --domain)")
	cmd.Flags().StringVar(&input.Project.Domain, "domain", "", "public domain")
	cmd.Flags().IntVar(&input.Project.Port, "port", 0, "container port")
	cmd.Flags().BoolVar(&input.Project.TLSEnabled, "tls", false, "enable TLS on the route")
	cmd.Flags().StringArrayVar(&env, "env", nil, "KEY=VALUE environment variable (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the deployment to finish")
	cmd.Flags().IntVar(&list, "list", 0, "list the last N deployments instead of deploying")
	return cmd
}

func (a *app) undeployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "undeploy <server-id> <project>",
		Short: "Remove a project's container and route",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := apiClient()
			if err != nil {
				return err
			}
			if err := cli.Undeploy(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Removed %s from %s\n", args[1], args[0])
			return nil
		},
	}
}

func (a *app) diagnoseCmd() *cobra.Command {
	var (
		input  apiclient.DiagnoseInput
		repair bool
	)
	cmd := &cobra.Command{
		Use:   "diagnose <server-id>",
		Short: "Check a project's container, network and route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := apiClient()
			if err != nil {
				return err
			}
			input.ServerID = args[0]
			call := cli.Diagnose
			if repair {
				call = cli.Repair
			}
			report, err := call(cmd.Context(), input)
			if err != nil {
				return err
			}
			return a.printJSON(report)
		},
	}
	cmd.Flags().StringVar(&input.Project, "project", "", "project name")
	cmd.Flags().StringVar(&input.Domain, "domain", "", "public domain")
	cmd.Flags().IntVar(&input.Port, "port", 0, "container port")
	cmd.Flags().BoolVar(&repair, "repair", false, "apply one repair cycle")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env %q, expected KEY=VALUE", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

// projectName falls back to a key derived from the domain when no project
// name was given.
func projectName(name, domain string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return remote.SanitizeProjectName(domain)
}
