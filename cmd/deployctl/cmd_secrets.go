package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/config"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/crypto"
	jwtpkg "github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/jwt"
)

func (a *app) encryptCmd() *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a credential with the vault passphrase (VAULT_PASSPHRASE, VAULT_SALT)",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := a.secretValue(value, "Secret")
			if err != nil {
				return err
			}
			cfg := config.LoadOrchestratorConfig()
			vault, err := crypto.NewVault(cfg.VaultPassphrase, cfg.VaultSalt)
			if err != nil {
				return err
			}
			sealed, err := vault.Encrypt(secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, sealed)
			return nil
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "plaintext to encrypt (prompted when omitted)")
	return cmd
}

func (a *app) hashKeyCmd() *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "hash-key",
		Short: "Hash an API key for ORCH_API_KEY_HASH",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.secretValue(value, "API key")
			if err != nil {
				return err
			}
			hash, err := crypto.HashPassword(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, string(hash))
			return nil
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "API key to hash (prompted when omitted)")
	return cmd
}

func (a *app) tokenCmd() *cobra.Command {
	var (
		operator string
		scope    string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if operator == "" {
				return errors.New("--operator is required")
			}
			cfg := config.LoadOrchestratorConfig()
			token, err := jwtpkg.GenerateToken(operator, scope, cfg.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator name recorded in the token")
	cmd.Flags().StringVar(&scope, "scope", "write", "read or write")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
