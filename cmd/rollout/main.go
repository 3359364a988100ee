// Command rollout is the rollout CLI client.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/rollout/internal/version"
)

const defaultServer = "http://localhost:9090"

var (
	// Global flags
	serverURL  string
	authToken  string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "rollout",
	Short: "Drive and inspect a rollout daemon",
	Long: `rollout talks to a rolloutd daemon over its /v1 HTTP API.

It starts and waits on deployment plans, inspects pod instances and their
tasks, and requests service uninstall.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "rollout server URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("ROLLOUT_TOKEN"), "bearer token (or $ROLLOUT_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
	rootCmd.SetVersionTemplate(fmt.Sprintf("rollout %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate))

	rootCmd.AddCommand(planCmd, podCmd, tasksCmd, statusCmd, uninstallCmd, versionCmd)
}

func newClient() *Client {
	return &Client{
		BaseURL:    strings.TrimRight(serverURL, "/"),
		Token:      authToken,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print client and server versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Printf("client: %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildDate)
		var result map[string]string
		if err := newClient().get(cmd.Context(), "/v1/version", &result); err != nil {
			PrintWarning("server unreachable: " + err.Error())
			return nil
		}
		fmt.Printf("server: %s\n", result["version"])
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		PrintError(err.Error())
		os.Exit(1)
	}
}
