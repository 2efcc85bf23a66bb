package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/synchromesh/internal/auth"
	"github.com/dgnsrekt/synchromesh/internal/channel"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue or check relay authorizations",
	}
	cmd.AddCommand(tokenIssueCmd())
	cmd.AddCommand(tokenVerifyCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	var salt string

	cmd := &cobra.Command{
		Use:   "issue CHANNEL SUBJECT",
		Short: "Sign (salt, channel, subject) with the configured secret",
		Long: `Sign (salt, channel, subject) with the configured secret. SUBJECT is a
client id for socket handshakes or a broadcast id for forwarded updates.
A fresh salt is minted unless --salt is given.

Examples:
  synchromesh token issue Task-1 01J9Z3X4Y5
  synchromesh token issue --salt 1700000000.ab12 @team client-7`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := auth.NewService([]byte(cfg.Secret), cfg.TokenTTL)
			if err != nil {
				return err
			}
			ch, err := channel.Parse(args[0])
			if err != nil {
				return err
			}
			if salt == "" {
				if salt, err = tokens.NewSalt(); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "salt: %s\nauthorization: %s\n", salt, tokens.Issue(salt, ch.String(), args[1]))
			return nil
		},
	}

	cmd.Flags().StringVar(&salt, "salt", "", "salt to sign with (default: mint one)")
	return cmd
}

func tokenVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify SALT CHANNEL SUBJECT AUTHORIZATION",
		Short: "Check an authorization and its salt freshness",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := auth.NewService([]byte(cfg.Secret), cfg.TokenTTL)
			if err != nil {
				return err
			}
			salt, ch, subject, authorization := args[0], args[1], args[2], args[3]
			if !tokens.Verify(salt, ch, subject, authorization) {
				return errors.New("authorization does not match")
			}
			if err := tokens.CheckSalt(salt); err != nil {
				return fmt.Errorf("authorization matches but the salt is unusable: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
