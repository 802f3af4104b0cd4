package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var capabilityCmd = &cobra.Command{
	Use:   "capability",
	Short: "Administer capability grants",
}

var capabilityGrantCmd = &cobra.Command{
	Use:   "grant <address> <capability>",
	Short: "Grant a capability to an identity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client().GrantCapability(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		color.Green("granted %s to %s", args[1], args[0])
		return nil
	},
}

var capabilityRevokeCmd = &cobra.Command{
	Use:   "revoke <address> <capability>",
	Short: "Revoke a capability from an identity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client().RevokeCapability(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		color.Yellow("revoked %s from %s", args[1], args[0])
		return nil
	},
}

var capabilityListCmd = &cobra.Command{
	Use:   "list <address>",
	Short: "List an identity's capabilities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		caps, err := client().Capabilities(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"address": args[0], "capabilities": caps})
	},
}

func init() {
	capabilityCmd.AddCommand(capabilityGrantCmd)
	capabilityCmd.AddCommand(capabilityRevokeCmd)
	capabilityCmd.AddCommand(capabilityListCmd)
}
