package main

import (
	"encoding/hex"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"meshvpn/internal/vpncrypto"
)

func genkeyCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "generate a static node identity",
		Long: "Generates an Ed25519 identity key pair. The public key is what\n" +
			"other nodes pin in their pinned_peers list.",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := vpncrypto.GenerateIdentity()
			if err != nil {
				return err
			}
			if dir != "" {
				if err := vpncrypto.SaveIdentity(dir, id); err != nil {
					return err
				}
				fmt.Printf("identity written to %s\n", dir)
			}
			label := color.New(color.Bold).SprintFunc()
			pub := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s %s\n", label("public key:"), pub(hex.EncodeToString(id.Pub)))
			if dir == "" {
				warn := color.New(color.FgYellow).SprintFunc()
				fmt.Println(warn("no --key-dir given, key pair not saved"))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "key-dir", "d", "", "directory to store the key pair in")
	return cmd
}
