package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/raymondfx/reference-wallet/address"
	"github.com/raymondfx/reference-wallet/vaspclient"
)

const defaultVASPURL = "http://localhost:8080"

func newPayCmd() *cobra.Command {
	var (
		vaspURL  string
		req      vaspclient.SendRequest
		sender   string
		receiver string
		wait     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Initiates a payment from an account of the VASP",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if req.Sender, err = address.Parse(sender); err != nil {
				return fmt.Errorf("sender: %w", err)
			}
			if req.Receiver, err = address.Parse(receiver); err != nil {
				return fmt.Errorf("receiver: %w", err)
			}
			c := vaspclient.New(vaspURL, nil)
			s, err := c.SendTransaction(cmd.Context(), req)
			if err != nil {
				return err
			}
			if wait > 0 {
				if s, err = c.WaitOffchainState(cmd.Context(), s.OffchainRefID, wait); err != nil {
					return err
				}
			}
			return printState(cmd.OutOrStdout(), s)
		},
	}
	f := cmd.Flags()
	f.StringVar(&vaspURL, "vasp-url", defaultVASPURL, "URL of the VASP")
	f.StringVar(&sender, "sender", "", "address of the sending account")
	f.StringVar(&receiver, "receiver", "", "address of the receiving account")
	f.Uint64Var(&req.Amount, "amount", 0, "amount to pay")
	f.StringVar(&req.Currency, "currency", "XUS", "currency of the amount")
	f.StringVar(&req.ReferenceID, "reference-id", "", "reference id of the payment, generated when not set")
	f.DurationVar(&wait, "wait", 0, "poll the payment at this interval until negotiated")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var vaspURL string
	cmd := &cobra.Command{
		Use:   "status [reference-id]",
		Short: "Prints the state of a payment, or lists the payments",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := vaspclient.New(vaspURL, nil)
			if len(args) == 0 {
				refs, err := c.ReferenceIDs(cmd.Context())
				if err != nil {
					return err
				}
				for _, ref := range refs {
					fmt.Fprintln(cmd.OutOrStdout(), ref)
				}
				return nil
			}
			s, err := c.GetOffchainState(cmd.Context(), args[0])
			if errors.Is(err, vaspclient.ErrNotFound) {
				return fmt.Errorf("payment %s not found", args[0])
			}
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), s)
		},
	}
	cmd.Flags().StringVar(&vaspURL, "vasp-url", defaultVASPURL, "URL of the VASP")
	return cmd
}

func printState(w io.Writer, s vaspclient.TxState) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
