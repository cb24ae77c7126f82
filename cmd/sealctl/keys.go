package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"sealchat/go-backend/internal/auth"
	"sealchat/go-backend/internal/client"
	"sealchat/go-backend/internal/crypto"
	"sealchat/go-backend/internal/domains/directory"

	"github.com/spf13/cobra"
)

func newKeygenCommand(opts *globalOptions) *cobra.Command {
	var force bool
	var identityID string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a keypair and print its recovery phrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mnemonic, err := crypto.NewMnemonic()
			if err != nil {
				return err
			}
			kp, err := crypto.KeyPairFromMnemonic(mnemonic, "")
			if err != nil {
				return err
			}
			if err := client.SaveKeyFile(opts.KeyFile, opts.KeyPassphrase, client.NewKeyFile(identityID, kp), force); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key file:    %s\n", opts.KeyFile)
			fmt.Fprintf(out, "public key:  %s\n", kp.Public)
			fmt.Fprintf(out, "fingerprint: %s\n", directory.Fingerprint(kp.Public))
			fmt.Fprintf(out, "recovery phrase (write it down, it is not stored):\n  %s\n", mnemonic)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	cmd.Flags().StringVar(&identityID, "identity", "", "identity id to record in the key file")
	return cmd
}

func newRecoverCommand(opts *globalOptions) *cobra.Command {
	var force bool
	var identityID string
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Rebuild the key file from a recovery phrase read on stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && strings.TrimSpace(line) == "" {
				return errors.New("no recovery phrase on stdin")
			}
			kp, err := crypto.KeyPairFromMnemonic(line, "")
			if err != nil {
				return err
			}
			if err := client.SaveKeyFile(opts.KeyFile, opts.KeyPassphrase, client.NewKeyFile(identityID, kp), force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s (fingerprint %s)\n", opts.KeyFile, directory.Fingerprint(kp.Public))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	cmd.Flags().StringVar(&identityID, "identity", "", "identity id to record in the key file")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var secret string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <identity>",
		Short: "Issue a signed session token for an identity",
		Long:  "Issue a session token the daemon accepts when it runs with the same auth.signingSecret.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("signing secret is required (--secret or SEAL_AUTH_SIGNING_SECRET)")
			}
			signer, err := auth.NewTokenSigner([]byte(secret))
			if err != nil {
				return err
			}
			token, expires, err := signer.Issue(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", envOr("SEAL_AUTH_SIGNING_SECRET", ""), "signing secret (SEAL_AUTH_SIGNING_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime")
	return cmd
}

func newRegisterCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Publish this key file's public key for the token's identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kp, err := opts.keyPair()
			if err != nil {
				return err
			}
			identity, err := opts.client().RegisterKey(cmd.Context(), kp.Public)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s fingerprint %s\n", identity.ID, identity.Fingerprint)
			return nil
		},
	}
}

func newLookupCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <identity>",
		Short: "Show an identity's registered key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := opts.client().LookupKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			pk, err := crypto.ParsePublicKey(identity.PublicKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", identity.ID, pk, identity.Fingerprint)
			return nil
		},
	}
}
