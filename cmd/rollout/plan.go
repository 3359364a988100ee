package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/rollout/plan"
	"github.com/GoCodeAlone/rollout/server/api"
)

var waitTimeout time.Duration

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "List, inspect, start, and wait on plans",
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plan names",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var names []string
		if err := newClient().get(cmd.Context(), "/v1/plans", &names); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(names)
		}
		if len(names) == 0 {
			fmt.Println("no plans")
			return nil
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var planShowCmd = &cobra.Command{
	Use:   "show <plan>",
	Short: "Show a plan's phases and steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var view plan.View
		if err := newClient().get(cmd.Context(), "/v1/plans/"+url.PathEscape(args[0]), &view); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(view)
		}
		printPlan(view)
		return nil
	},
}

var planStartCmd = &cobra.Command{
	Use:   "start <plan>",
	Short: "Start a plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var view plan.View
		if err := newClient().post(cmd.Context(), "/v1/plans/"+url.PathEscape(args[0])+"/start", nil, &view); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(view)
		}
		PrintSuccess(fmt.Sprintf("plan %s started", args[0]))
		return nil
	},
}

var planWaitCmd = &cobra.Command{
	Use:   "wait <plan>",
	Short: "Block until a plan completes or errors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		// The server holds the request for up to the wait timeout.
		c.HTTPClient.Timeout = waitTimeout + 15*time.Second

		path := fmt.Sprintf("/v1/plans/%s/wait?timeout=%s", url.PathEscape(args[0]), url.QueryEscape(waitTimeout.String()))
		var resp api.WaitResponse
		if err := c.get(cmd.Context(), path, &resp); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(resp)
		}
		if resp.Status == plan.StatusError {
			return fmt.Errorf("plan %s ended in %s", resp.Plan, resp.Status)
		}
		PrintSuccess(fmt.Sprintf("plan %s %s", resp.Plan, strings.ToLower(string(resp.Status))))
		return nil
	},
}

func init() {
	planWaitCmd.Flags().DurationVar(&waitTimeout, "timeout", 5*time.Minute, "maximum time to wait")
	planCmd.AddCommand(planListCmd, planShowCmd, planStartCmd, planWaitCmd)
}

func printPlan(v plan.View) {
	active := ""
	if v.Active {
		active = dimColor.Sprint(" (active)")
	}
	fmt.Printf("%s  %s%s\n", v.Name, stateLabel(string(v.Status)), active)
	for _, ph := range v.Phases {
		fmt.Printf("  %s [%s]  %s\n", ph.Name, ph.Strategy, stateLabel(string(ph.Status)))
		for _, st := range ph.Steps {
			line := fmt.Sprintf("    %-28s %s", truncate(st.Name, 27), stateLabel(string(st.Status)))
			if st.Message != "" {
				line += "  " + dimColor.Sprint(st.Message)
			}
			fmt.Println(line)
		}
	}
}
