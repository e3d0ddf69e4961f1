// Package cli provides the command-line interface for cidrsweep.
// This file implements API key commands. Keys are never stored by cidrsweep;
// only their bcrypt hashes go into the api.api_keys configuration list.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anstrom/cidrsweep/internal/auth"
)

// generateKey and hashKey are replaced in tests to avoid full-cost bcrypt.
var (
	generateKey = auth.GenerateAPIKey
	hashKey     = auth.HashAPIKey
)

func newAPIKeyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "apikeys",
		Aliases: []string{"apikey", "keys"},
		Short:   "Create API keys for the HTTP service",
		Long: `Create API keys for client authentication with the cidrsweep HTTP service.

The service only stores bcrypt hashes. Add the printed hash to api.api_keys in
the configuration file and hand the key itself to the client, which sends it
in the X-API-Key header.`,
		Example: `  cidrsweep apikeys generate
  cidrsweep apikeys generate --output json
  cidrsweep apikeys hash cs_existingkey...`,
	}

	var output string
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new API key and its hash",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := generateKey()
			if err != nil {
				return err
			}
			return printGeneratedKey(cmd.OutOrStdout(), key, output)
		},
	}
	generateCmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json")

	hashCmd := &cobra.Command{
		Use:   "hash <key>",
		Short: "Hash an existing API key for the configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.TrimSpace(args[0])
			if !auth.IsValidAPIKeyFormat(key) {
				return fmt.Errorf("invalid API key format: keys look like %s_ followed by letters and digits",
					auth.APIKeyPrefix)
			}
			hash, err := hashKey(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	cmd.AddCommand(generateCmd, hashCmd)
	return cmd
}

func printGeneratedKey(out io.Writer, key *auth.GeneratedAPIKey, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(key)
	case "text":
		fmt.Fprintf(out, "API key:  %s\n", key.Key)
		fmt.Fprintf(out, "Prefix:   %s\n", key.DisplayPrefix)
		fmt.Fprintf(out, "Hash:     %s\n\n", key.Hash)
		fmt.Fprintln(out, "The key is shown only once. Add the hash to your configuration:")
		fmt.Fprintf(out, "\napi:\n  api_keys:\n    - %q\n", key.Hash)
		return nil
	default:
		return fmt.Errorf("invalid output format %q: use text or json", format)
	}
}
