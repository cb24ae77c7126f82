package main

import (
	"os"

	"sealchat/go-backend/internal/client"
	"sealchat/go-backend/internal/crypto"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	Server        string
	Token         string
	KeyFile       string
	KeyPassphrase string
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func newRootCommand() *cobra.Command {
	var opts globalOptions

	cmd := &cobra.Command{
		Use:   "sealctl",
		Short: "Command line client for the sealchat daemon",
		Long: `sealctl manages a local box keypair and talks to a sealchat daemon.

Messages are sealed and opened on this machine; the daemon only ever sees
ciphertext.`,
		Example: `  # Create a keypair and publish it
  sealctl keygen --key alice.key
  sealctl register --key alice.key --token "$ALICE_TOKEN"

  # Send and read
  sealctl send bob "hi" --key alice.key --token "$ALICE_TOKEN"
  sealctl fetch alice --key bob.key --token "$BOB_TOKEN"`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.Server, "server", "s", envOr("SEAL_SERVER", client.DefaultBaseURL), "daemon base URL (SEAL_SERVER)")
	flags.StringVarP(&opts.Token, "token", "t", os.Getenv("SEAL_TOKEN"), "bearer token (SEAL_TOKEN)")
	flags.StringVarP(&opts.KeyFile, "key", "k", envOr("SEAL_KEY_FILE", "sealchat.key"), "key file path (SEAL_KEY_FILE)")
	flags.StringVar(&opts.KeyPassphrase, "key-passphrase", os.Getenv("SEAL_KEY_PASSPHRASE"), "passphrase sealing the key file (SEAL_KEY_PASSPHRASE)")

	cmd.AddCommand(
		newKeygenCommand(&opts),
		newRecoverCommand(&opts),
		newTokenCommand(),
		newRegisterCommand(&opts),
		newLookupCommand(&opts),
		newSendCommand(&opts),
		newFetchCommand(&opts),
		newAckCommand(&opts),
		newListenCommand(&opts),
	)
	return cmd
}

func (o *globalOptions) client() *client.Client {
	return client.New(o.Server, o.Token, nil)
}

func (o *globalOptions) keyPair() (crypto.KeyPair, error) {
	kf, err := client.LoadKeyFile(o.KeyFile, o.KeyPassphrase)
	if err != nil {
		return crypto.KeyPair{}, err
	}
	return kf.KeyPair()
}
