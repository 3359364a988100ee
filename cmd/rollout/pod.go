package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/rollout/task"
)

var (
	activeOnly bool
	podFilter  string

	reportState   string
	reportMessage string
	reportSeq     uint64
)

var podCmd = &cobra.Command{
	Use:   "pod",
	Short: "Inspect pod instances",
}

var podListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pod instances",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var pods []string
		if err := newClient().get(cmd.Context(), "/v1/pod", &pods); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(pods)
		}
		for _, p := range pods {
			fmt.Println(p)
		}
		return nil
	},
}

var podInfoCmd = &cobra.Command{
	Use:   "info <pod-instance>",
	Short: "Show the tasks of one pod instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var recs []task.Record
		if err := newClient().get(cmd.Context(), "/v1/pod/"+url.PathEscape(args[0])+"/info", &recs); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(recs)
		}
		printTasks(recs)
		return nil
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List task records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		q := url.Values{}
		if activeOnly {
			q.Set("active", "true")
		}
		if podFilter != "" {
			q.Set("pod", podFilter)
		}
		path := "/v1/tasks"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		var recs []task.Record
		if err := newClient().get(cmd.Context(), path, &recs); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(recs)
		}
		printTasks(recs)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Report a task status to the daemon",
	Long: `Report a status for a launched task id, the way an external agent would.
Useful for driving the engine by hand against a launcher that does not
report on its own.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st := task.Status{
			TaskID:    task.TaskID{Value: args[0]},
			State:     task.State(strings.ToUpper(reportState)),
			Message:   reportMessage,
			Sequence:  reportSeq,
			Timestamp: time.Now().UTC(),
		}
		if !st.State.Valid() {
			return fmt.Errorf("unknown state %q", reportState)
		}
		if st.Sequence == 0 {
			st.Sequence = uint64(time.Now().UnixNano())
		}
		body, err := json.Marshal(st)
		if err != nil {
			return err
		}
		if err := newClient().post(cmd.Context(), "/v1/status", bytes.NewReader(body), nil); err != nil {
			return err
		}
		PrintSuccess(fmt.Sprintf("%s -> %s", args[0], st.State))
		return nil
	},
}

func init() {
	podCmd.AddCommand(podListCmd, podInfoCmd)

	tasksCmd.Flags().BoolVar(&activeOnly, "active", false, "only tasks whose current launch is alive")
	tasksCmd.Flags().StringVar(&podFilter, "pod", "", "only tasks of this pod instance")

	statusCmd.Flags().StringVar(&reportState, "state", "RUNNING", "task state, e.g. RUNNING or FAILED")
	statusCmd.Flags().StringVar(&reportMessage, "message", "", "status message")
	statusCmd.Flags().Uint64Var(&reportSeq, "seq", 0, "sequence number (default: current time in ns)")
}

func printTasks(recs []task.Record) {
	if len(recs) == 0 {
		fmt.Println("no tasks")
		return
	}
	PrintHeader("%-32s %-44s %-12s", "NAME", "TASK ID", "STATE")
	fmt.Println(strings.Repeat("-", 90))
	for _, r := range recs {
		state := ""
		if r.Status != nil {
			state = string(r.Status.State)
		}
		id := r.Info.TaskID.Value
		if id == "" {
			id = "-"
		}
		fmt.Printf("%-32s %-44s %s\n", truncate(r.Info.Name, 31), truncate(id, 43), stateLabel(state))
	}
}
