package cmd

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/fingerprint"
	"github.com/chiahaoLLLLL/Blockchain-record-system/sdk/go/recordsystem"
)

var commitmentCmd = &cobra.Command{
	Use:   "commitment",
	Short: "Create, inspect and sign commitments",
}

var (
	createSigner      string
	createWitnesses   []string
	createFingerprint string
	createFile        string
)

var commitmentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a new commitment",
	RunE: func(cmd *cobra.Command, args []string) error {
		fp := createFingerprint
		if fp == "" && createFile != "" {
			var err error
			fp, err = fingerprint.SumFile(createFile)
			if err != nil {
				return err
			}
		}
		if fp == "" {
			return fmt.Errorf("either --fingerprint or --file is required")
		}
		res, err := client().CreateCommitment(cmd.Context(), recordsystem.CreateCommitmentRequest{
			Signer:         createSigner,
			Witnesses:      createWitnesses,
			Fingerprint:    fp,
			IdempotencyKey: recordsystem.NewIdempotencyKey(),
		})
		if err != nil {
			return err
		}
		color.Green("commitment %d created", res.Commitment.ID)
		return printJSON(res)
	},
}

var commitmentGetCmd = &cobra.Command{
	Use:   "get <commitment-id>",
	Short: "Show a commitment and its signature progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		res, err := client().GetCommitment(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var signAsWitness bool

var commitmentSignCmd = &cobra.Command{
	Use:   "sign <commitment-id>",
	Short: "Sign a commitment as its designated signer or as a witness",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c := client()
		var res *recordsystem.CommitmentResult
		if signAsWitness {
			res, err = c.SignAsWitness(cmd.Context(), id)
		} else {
			res, err = c.SignAsSigner(cmd.Context(), id)
		}
		if err != nil {
			return err
		}
		if res.Commitment.Completed {
			color.Green("commitment %d completed (%d/%d signatures)", id, res.Signatures.Collected, res.Signatures.Required)
		} else {
			color.Yellow("commitment %d: %d/%d signatures", id, res.Signatures.Collected, res.Signatures.Required)
		}
		return printJSON(res)
	},
}

var commitmentEventsCmd = &cobra.Command{
	Use:   "events <commitment-id>",
	Short: "Show the commitment's event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		evs, err := client().Events(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(evs)
	},
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("commitment id must be a positive integer: %q", s)
	}
	return id, nil
}

func init() {
	commitmentCreateCmd.Flags().StringVar(&createSigner, "signer", "", "signer address (required)")
	commitmentCreateCmd.Flags().StringSliceVar(&createWitnesses, "witness", nil, "witness address (repeatable)")
	commitmentCreateCmd.Flags().StringVar(&createFingerprint, "fingerprint", "", "content fingerprint")
	commitmentCreateCmd.Flags().StringVar(&createFile, "file", "", "file to fingerprint instead of --fingerprint")
	_ = commitmentCreateCmd.MarkFlagRequired("signer")

	commitmentSignCmd.Flags().BoolVar(&signAsWitness, "as-witness", false, "sign in the witness role")

	commitmentCmd.AddCommand(commitmentCreateCmd)
	commitmentCmd.AddCommand(commitmentGetCmd)
	commitmentCmd.AddCommand(commitmentSignCmd)
	commitmentCmd.AddCommand(commitmentEventsCmd)
}
