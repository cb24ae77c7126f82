package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"sealchat/go-backend/internal/client"
	"sealchat/go-backend/internal/crypto"
	"sealchat/go-backend/pkg/models"

	"github.com/spf13/cobra"
)

func newSendCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <recipient> <text...>",
		Short: "Seal a text message to a recipient and send it",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := opts.keyPair()
			if err != nil {
				return err
			}
			res, err := opts.client().SendText(cmd.Context(), kp, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", res.EnvelopeID, res.CreatedAt.Format(time.RFC3339Nano))
			return nil
		},
	}
}

func newFetchCommand(opts *globalOptions) *cobra.Command {
	var limit, offset int
	var markRead bool
	cmd := &cobra.Command{
		Use:   "fetch <other>",
		Short: "Print the conversation with another identity, decrypted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := opts.keyPair()
			if err != nil {
				return err
			}
			c := opts.client()
			msgs, err := c.Conversation(cmd.Context(), models.ConversationQuery{OtherID: args[0], Limit: limit, Offset: offset})
			if err != nil {
				return err
			}
			// Our own messages open with the peer's current key.
			var peerKey []byte
			if peer, err := c.LookupKey(cmd.Context(), args[0]); err == nil {
				peerKey = peer.PublicKey
			}
			for _, m := range msgs {
				printEnvelope(cmd.OutOrStdout(), kp, m, peerKey)
				if markRead && !m.Read && !kp.Public.Equal(m.SenderPublicKey) {
					if _, err := c.MarkRead(cmd.Context(), m.ID); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum messages to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "messages to skip")
	cmd.Flags().BoolVar(&markRead, "mark-read", false, "acknowledge received messages as read")
	return cmd
}

func printEnvelope(w io.Writer, kp crypto.KeyPair, m models.Envelope, peerKey []byte) {
	key := m.SenderPublicKey
	if kp.Public.Equal(m.SenderPublicKey) {
		key = peerKey
	}
	text, err := client.Open(kp, m.Ciphertext, m.Nonce, key)
	if err != nil {
		text = "[cannot decrypt]"
	}
	status := "sent"
	switch {
	case m.Read:
		status = "read"
	case m.Delivered:
		status = "delivered"
	}
	fmt.Fprintf(w, "%s %s %s -> %s [%s] %s\n", m.CreatedAt.Format(time.RFC3339), m.ID, m.SenderID, m.RecipientID, status, text)
}

func newAckCommand(opts *globalOptions) *cobra.Command {
	var read bool
	cmd := &cobra.Command{
		Use:   "ack <envelope-id>",
		Short: "Acknowledge a received envelope as delivered, or read with --read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			var env models.Envelope
			var err error
			if read {
				env, err = c.MarkRead(cmd.Context(), args[0])
			} else {
				env, err = c.MarkDelivered(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s delivered=%t read=%t\n", env.ID, env.Delivered, env.Read)
			return nil
		},
	}
	cmd.Flags().BoolVar(&read, "read", false, "mark as read instead of delivered")
	return cmd
}

func newListenCommand(opts *globalOptions) *cobra.Command {
	var ack bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stream and decrypt incoming messages until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kp, err := opts.keyPair()
			if err != nil {
				return err
			}
			c := opts.client()
			out := cmd.OutOrStdout()
			return c.Stream(cmd.Context(), nil, func(ev models.EnvelopeEvent) error {
				text, err := client.Open(kp, ev.Ciphertext, ev.Nonce, ev.SenderPublicKey)
				if err != nil {
					text = "[cannot decrypt]"
				}
				fmt.Fprintf(out, "%s %s %s: %s\n", ev.CreatedAt.Format(time.RFC3339), ev.ID, ev.SenderID, text)
				if ack {
					_, err := c.MarkDelivered(cmd.Context(), ev.ID)
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&ack, "ack", true, "acknowledge each message as delivered")
	return cmd
}
