package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/anchor/rfc3161"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/bundle"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Export, verify and anchor attestation bundles",
}

var bundleExportOut string

var bundleExportCmd = &cobra.Command{
	Use:   "export <commitment-id>",
	Short: "Fetch the attestation bundle of a completed commitment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("commitment id must be an integer: %q", args[0])
		}
		raw, err := client().Bundle(cmd.Context(), id)
		if err != nil {
			return err
		}
		if bundleExportOut == "" {
			_, err = os.Stdout.Write(append(raw, '\n'))
			return err
		}
		if err := os.WriteFile(bundleExportOut, raw, 0o644); err != nil {
			return err
		}
		fmt.Printf("wrote %s (%d bytes)\n", bundleExportOut, len(raw))
		return nil
	},
}

var bundleVerifyCmd = &cobra.Command{
	Use:   "verify <bundle-file>",
	Short: "Verify an exported bundle offline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		res, err := bundle.Verify(raw)
		if err != nil {
			return err
		}
		if res.Status == bundle.StatusVerified {
			color.Green("PASS  %s", res.Status)
			return printJSON(res)
		}
		color.Red("FAIL  %s", res.Status)
		_ = printJSON(res)
		return fmt.Errorf("bundle verification failed: %s", res.Status)
	},
}

var (
	anchorTSAURL string
	anchorOut    string
)

var bundleAnchorCmd = &cobra.Command{
	Use:   "anchor <bundle-file>",
	Short: "Request an RFC 3161 timestamp token over a bundle's hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		res, err := bundle.Verify(raw)
		if err != nil {
			return err
		}
		if res.Status != bundle.StatusVerified {
			return fmt.Errorf("refusing to anchor an unverified bundle: %s", res.Status)
		}
		req, err := rfc3161.BuildRequestFromFingerprint(res.BundleHash, "")
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		token, contentType, err := rfc3161.NewClient(nil).RequestTimestampToken(ctx, anchorTSAURL, req)
		if err != nil {
			return err
		}
		if err := os.WriteFile(anchorOut, token, 0o644); err != nil {
			return err
		}
		color.Green("anchored %s", res.BundleHash)
		fmt.Printf("wrote %s (%d bytes, %s)\n", anchorOut, len(token), contentType)
		return nil
	},
}

func init() {
	bundleExportCmd.Flags().StringVarP(&bundleExportOut, "out", "o", "", "write bundle to file instead of stdout")
	bundleAnchorCmd.Flags().StringVar(&anchorTSAURL, "tsa-url", "https://freetsa.org/tsr", "timestamp authority endpoint")
	bundleAnchorCmd.Flags().StringVarP(&anchorOut, "out", "o", "bundle.tsr", "token output file")
	bundleCmd.AddCommand(bundleExportCmd)
	bundleCmd.AddCommand(bundleVerifyCmd)
	bundleCmd.AddCommand(bundleAnchorCmd)
}
