package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stellar/go/keypair"
)

func newKeysCmd() *cobra.Command {
	var seed string
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Generates a compliance key, or prints the address of the key of a seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			var kp *keypair.Full
			if seed == "" {
				kp = keypair.MustRandom()
			} else {
				var err error
				if kp, err = keypair.ParseFull(seed); err != nil {
					return fmt.Errorf("parsing seed: %w", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "seed:", kp.Seed())
			fmt.Fprintln(cmd.OutOrStdout(), "address:", kp.Address())
			return nil
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "secret seed of an existing key")
	return cmd
}
