package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/tauguard/internal/proofcard"
	"github.com/signalnine/tauguard/internal/result"
)

var (
	flagCardInstance string
	flagCardOutDir   string
	flagCardKey      string
	flagCardKeyHint  string
)

func newProofcardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proofcard",
		Short: "Issue and verify proof cards for recorded decisions",
	}
	cmd.PersistentFlags().StringVar(&flagCardKey, "sign-key", "", "file holding the HMAC key")

	issue := &cobra.Command{
		Use:   "issue <run-dir|results.jsonl>",
		Short: "Write a ProofCard.json for one instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagCardInstance == "" {
				return fmt.Errorf("--instance-id is required")
			}
			path := args[0]
			if fi, err := os.Stat(path); err == nil && fi.IsDir() {
				path = filepath.Join(path, result.ResultsFile)
			}
			rows, err := result.ReadRecords(path)
			if err != nil {
				return err
			}
			rec, err := proofcard.Select(rows, flagCardInstance)
			if err != nil {
				return err
			}
			key, err := proofcard.ReadKey(flagCardKey)
			if err != nil {
				return err
			}
			card, err := proofcard.Build(rec, proofcard.Options{
				Source:  path,
				Key:     key,
				KeyHint: flagCardKeyHint,
			})
			if err != nil {
				return err
			}
			out := flagCardOutDir
			if out == "" {
				out = filepath.Join(filepath.Dir(path), "proofcards", safeDirName(flagCardInstance))
			}
			written, err := proofcard.Write(card, out)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s (%s)\n", card.Payload.Decision, written, rec.Type)
			return nil
		},
	}
	issue.Flags().StringVar(&flagCardInstance, "instance-id", "", "instance id or task name")
	issue.Flags().StringVar(&flagCardOutDir, "out-dir", "", "output directory (default: <run-dir>/proofcards/<id>)")
	issue.Flags().StringVar(&flagCardKeyHint, "key-hint", "", "key identifier recorded in the signature")

	verify := &cobra.Command{
		Use:   "verify <card>",
		Short: "Check a card's payload hash and signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			card, err := proofcard.Read(args[0])
			if err != nil {
				return err
			}
			key, err := proofcard.ReadKey(flagCardKey)
			if err != nil {
				return err
			}
			if err := proofcard.Verify(card, key); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			signed := "unsigned"
			if card.Signature != nil {
				signed = "signed"
			}
			fmt.Printf("ok %s %s %s\n", card.Payload.InstanceID, card.Payload.Decision, signed)
			return nil
		},
	}

	cmd.AddCommand(issue, verify)
	return cmd
}

func safeDirName(s string) string {
	out := []rune(s)
	for i, r := range out {
		switch r {
		case '/', '\\', ':':
			out[i] = '_'
		}
	}
	return string(out)
}
