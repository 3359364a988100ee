package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Show or request service uninstall",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return showUninstall(cmd)
	},
}

var uninstallStateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the uninstall state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return showUninstall(cmd)
	},
}

var uninstallRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Request uninstall: drain plans and kill every task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var result map[string]string
		if err := newClient().post(cmd.Context(), "/v1/uninstall", nil, &result); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(result)
		}
		PrintSuccess(fmt.Sprintf("uninstall %s", stateLabel(result["state"])))
		return nil
	},
}

func init() {
	uninstallCmd.AddCommand(uninstallStateCmd, uninstallRequestCmd)
}

func showUninstall(cmd *cobra.Command) error {
	var result map[string]string
	if err := newClient().get(cmd.Context(), "/v1/uninstall", &result); err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(result)
	}
	fmt.Printf("uninstall: %s\n", stateLabel(result["state"]))
	return nil
}
