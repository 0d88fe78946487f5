package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-cli/internal/model"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect search tasks",
	Long:  "Commands for viewing task progress, listing results, and stopping running tasks.",
}

// -- tasks list --

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		userID, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")

		tasks, err := env.Store.ListTasks(ctx, userID, limit)
		if err != nil {
			return eris.Wrap(err, "tasks list")
		}

		if len(tasks) == 0 {
			fmt.Fprintln(os.Stderr, "No tasks found.")
			return nil
		}

		formatTasks(os.Stdout, tasks)
		return nil
	},
}

// -- tasks show --

var tasksShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show progress and stats for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		progress, err := env.Service.GetProgress(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "tasks show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(progress)
	},
}

// -- tasks results --

var tasksResultsCmd = &cobra.Command{
	Use:   "results <task-id>",
	Short: "List saved results for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		results, err := env.Store.ListResults(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "tasks results")
		}

		if len(results) == 0 {
			fmt.Fprintln(os.Stderr, "No results found.")
			return nil
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		}

		formatResults(os.Stdout, results)
		return nil
	},
}

// -- tasks stop --

var tasksStopCmd = &cobra.Command{
	Use:   "stop <task-id>",
	Short: "Request a running task to stop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Service.RequestStop(ctx, args[0]); err != nil {
			return eris.Wrap(err, "tasks stop")
		}

		fmt.Println("Stop requested. Results saved so far are kept.")
		return nil
	},
}

func init() {
	tasksListCmd.Flags().String("user", "", "filter by user id")
	tasksListCmd.Flags().Int("limit", 50, "maximum tasks to list")
	tasksResultsCmd.Flags().Bool("json", false, "print results as JSON")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
	tasksCmd.AddCommand(tasksResultsCmd)
	tasksCmd.AddCommand(tasksStopCmd)
	rootCmd.AddCommand(tasksCmd)
}

// formatTasks writes a tabular list of tasks to w.
func formatTasks(out io.Writer, tasks []model.SearchTask) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tUSER\tSTATUS\tPROGRESS\tREQUESTED\tSAVED\tCHARGED\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t--------\t---------\t-----\t-------\t-------")

	for _, t := range tasks {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%d\t%d\t%.1f\t%s\n",
			t.ID,
			t.UserID,
			t.Status,
			t.Progress,
			t.RequestedCount,
			t.ActualCount,
			t.CreditsCharged,
			t.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatResults writes a tabular list of results to w.
func formatResults(out io.Writer, results []model.SearchResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tCLASS\tPHONE\tEMAIL\tVERIFY\tSCORE")
	_, _ = fmt.Fprintln(w, "----\t-----\t-----\t-----\t------\t-----")

	for _, r := range results {
		phone := ""
		if p, ok := r.Record.BestPhone(); ok {
			phone = p.Number
		}

		score := ""
		if r.Verification != nil {
			score = fmt.Sprintf("%.2f", r.Verification.MatchScore)
		}

		name := r.Record.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			name,
			r.ContactClass,
			phone,
			r.Record.Email,
			r.VerifyStatus,
			score,
		)
	}
	_ = w.Flush()
}
