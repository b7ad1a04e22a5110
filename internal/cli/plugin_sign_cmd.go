package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jiangfire/envcli-sub000/internal/plugin/signature"
)

func newPluginVerifyCmd() *cobra.Command {
	var trustUnsigned bool
	cmd := &cobra.Command{
		Use:   "verify [id]",
		Short: "Verify plugin signatures",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				trust := trustUnsigned || rt.cfg.Plugins.TrustUnsigned
				rt.dirty = true

				if len(args) == 1 {
					if err := rt.mgr.VerifyPluginSignature(args[0], trust); err != nil {
						return err
					}
					fmt.Printf("%s: signature ok\n", args[0])
					return nil
				}

				results := rt.mgr.VerifyAllSignatures(trust)
				ids := make([]string, 0, len(results))
				for id := range results {
					ids = append(ids, id)
				}
				sort.Strings(ids)

				failed := 0
				for _, id := range ids {
					if err := results[id]; err != nil {
						failed++
						fmt.Printf("%-20s FAIL  %v\n", id, err)
						continue
					}
					fmt.Printf("%-20s ok\n", id)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d plugin(s) failed verification", failed, len(ids))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&trustUnsigned, "trust-unsigned", false, "accept plugins without a signature")
	return cmd
}

// signingKey reads the hex seed from --key, --key-file or ENVCLI_SIGNING_KEY.
func signingKey(key, keyFile string) (string, error) {
	switch {
	case key != "":
		return key, nil
	case keyFile != "":
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return "", fmt.Errorf("reading key file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	case os.Getenv("ENVCLI_SIGNING_KEY") != "":
		return os.Getenv("ENVCLI_SIGNING_KEY"), nil
	}
	return "", fmt.Errorf("no signing key: pass --key, --key-file or set ENVCLI_SIGNING_KEY")
}

func newPluginSignCmd() *cobra.Command {
	var (
		key     string
		keyFile string
		out     string
	)
	cmd := &cobra.Command{
		Use:   "sign <id>",
		Short: "Sign a loaded plugin's metadata with an Ed25519 key",
		Long:  "Sign the metadata of a loaded plugin and print the signed metadata as JSON. The plugin must embed the printed signature for verification to succeed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := signingKey(key, keyFile)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				signed, err := rt.mgr.SignPlugin(args[0], seed)
				rt.dirty = true
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(signed, "", "  ")
				if err != nil {
					return err
				}
				if out == "" {
					fmt.Println(string(data))
					return nil
				}
				if err := os.WriteFile(out, append(data, '\n'), 0o644); err != nil {
					return err
				}
				fmt.Printf("Signed metadata of %s written to %s (key %s)\n",
					args[0], out, signature.Fingerprint(signed.Signature.PublicKey))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "hex-encoded Ed25519 seed")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "file holding the hex-encoded seed")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the signed metadata to a file")
	return cmd
}

func newPluginKeygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 signing key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, pub, err := signature.GenerateKeyPair()
			if err != nil {
				return err
			}
			if out != "" {
				if err := os.WriteFile(out, []byte(seed+"\n"), 0o600); err != nil {
					return fmt.Errorf("writing key file: %w", err)
				}
				fmt.Printf("Private key: %s\n", out)
			} else {
				fmt.Printf("Private key: %s\n", seed)
			}
			fmt.Printf("Public key:  %s\n", pub)
			fmt.Printf("Fingerprint: %s\n", signature.Fingerprint(pub))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the private key to a file instead of printing it")
	return cmd
}

func newPluginFingerprintCmd() *cobra.Command {
	var fromSeed bool
	cmd := &cobra.Command{
		Use:   "fingerprint <key>",
		Short: "Print the fingerprint of a public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub := args[0]
			if fromSeed {
				var err error
				if pub, err = signature.PublicKeyFromSeed(args[0]); err != nil {
					return err
				}
			}
			fmt.Println(signature.Fingerprint(pub))
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromSeed, "seed", false, "the argument is a private seed; derive its public key first")
	return cmd
}
