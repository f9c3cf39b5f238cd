package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ltp-dev/ltp/pkg/trace"
)

func main() {
	var publicKeyHex string

	rootCmd := &cobra.Command{
		Use:   "ltp-verify <trace_file>",
		Short: "Verify an LTP trace log end-to-end",
		Long: `ltp-verify replays a trace log and checks the full hash chain:
gapless indices, prev-hash linkage, and recomputed entry hashes. With
--public-key, entry signatures are verified as well. Exit code 0 means the
chain is intact; any violation exits 1 with a line-number diagnostic.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var pub ed25519.PublicKey
			if publicKeyHex != "" {
				raw, err := hex.DecodeString(publicKeyHex)
				if err != nil {
					return fmt.Errorf("public key is not valid hex: %w", err)
				}
				if len(raw) != ed25519.PublicKeySize {
					return fmt.Errorf("public key must be %d bytes hex, got %d", ed25519.PublicKeySize, len(raw))
				}
				pub = ed25519.PublicKey(raw)
			}

			n, err := trace.VerifyFile(args[0], pub)
			if err != nil {
				return err
			}
			fmt.Printf("Trace verified successfully. %d entries processed.\n", n)
			return nil
		},
	}

	rootCmd.Flags().StringVar(&publicKeyHex, "public-key", "", "hex Ed25519 public key for signature verification")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
