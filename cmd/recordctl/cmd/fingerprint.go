package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/fingerprint"
)

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint <file>",
	Short: "Compute the canonical fingerprint of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fp, err := fingerprint.SumFile(args[0])
		if err != nil {
			return err
		}
		fmt.Println(fp)
		return nil
	},
}
