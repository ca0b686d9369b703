package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oauth-provider/keys"
	"github.com/giantswarm/oauth-provider/storage/registry"
)

func newHashSecretCommand() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Print the bcrypt hash of a client secret for the registry file",
		Long: `Print the bcrypt hash of a client secret, suitable for client_secret_hash
in the registry file. The secret is read from stdin when not given as an
argument.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var secret string
			if len(args) == 1 {
				secret = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read secret from stdin: %w", err)
				}
				secret = strings.TrimRight(line, "\r\n")
			}

			hash, err := registry.HashSecret(secret, cost)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (0 uses the library default)")
	return cmd
}

func newGenerateKeyCommand() *cobra.Command {
	var out, kidPrefix string

	cmd := &cobra.Command{
		Use:   "generate-key",
		Short: "Generate an ES256 signing key as a private JWK",
		Example: `
  # Write a key readable only by the current user
  oauth-server generate-key --out /etc/oauth-server/signing-key.json
  OAUTH_SIGNING_KEY_FILE=/etc/oauth-server/signing-key.json oauth-server serve
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keys.GenerateKey(kidPrefix)
			if err != nil {
				return err
			}
			b, err := json.MarshalIndent(key, "", "  ")
			if err != nil {
				return fmt.Errorf("encode key: %w", err)
			}
			b = append(b, '\n')

			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(b)
				return err
			}
			if err := os.WriteFile(out, b, 0o600); err != nil {
				return fmt.Errorf("write key: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote key %s to %s\n", key.KeyID(), out)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file (- for stdout)")
	cmd.Flags().StringVar(&kidPrefix, "kid-prefix", "oauth", "key ID prefix")
	return cmd
}
