package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-cli/internal/model"
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Manage user credit balances",
	Long:  "Commands for creating users, viewing balances with ledger history, and applying admin adjustments.",
}

// -- balance show --

var balanceShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show a user's balance and recent ledger entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		balance, err := env.Meter.Balance(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "balance show")
		}

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := env.Store.ListLedgerEntries(ctx, args[0], limit)
		if err != nil {
			return eris.Wrap(err, "balance show ledger")
		}

		fmt.Printf("Balance: %.1f credits\n\n", balance)
		formatLedger(os.Stdout, entries)
		return nil
	},
}

// -- balance create-user --

var balanceCreateUserCmd = &cobra.Command{
	Use:   "create-user <user-id> [initial-balance]",
	Short: "Create a user with an optional starting balance",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var initial float64
		if len(args) == 2 {
			initial, err = strconv.ParseFloat(args[1], 64)
			if err != nil {
				return eris.Wrapf(err, "parse initial balance %q", args[1])
			}
		}

		user, err := env.Store.CreateUser(ctx, args[0], initial)
		if err != nil {
			return eris.Wrap(err, "create user")
		}

		fmt.Printf("Created user %s with balance %.1f\n", user.ID, user.Balance)
		return nil
	},
}

// -- balance adjust --

var balanceAdjustCmd = &cobra.Command{
	Use:   "adjust <user-id> <delta>",
	Short: "Apply a signed admin adjustment to a user's balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		delta, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return eris.Wrapf(err, "parse delta %q", args[1])
		}

		reason, _ := cmd.Flags().GetString("reason")
		applied, newBalance, err := env.Meter.AdminAdjust(ctx, args[0], delta, reason)
		if err != nil {
			return eris.Wrap(err, "balance adjust")
		}
		if !applied {
			return eris.Errorf("adjustment declined: balance %.1f cannot absorb %.1f", newBalance, delta)
		}

		fmt.Printf("New balance: %.1f credits\n", newBalance)
		return nil
	},
}

func init() {
	balanceShowCmd.Flags().Int("limit", 20, "max number of ledger entries to display")
	balanceAdjustCmd.Flags().String("reason", "manual adjustment", "reason recorded in the ledger")

	balanceCmd.AddCommand(balanceShowCmd)
	balanceCmd.AddCommand(balanceCreateUserCmd)
	balanceCmd.AddCommand(balanceAdjustCmd)
	rootCmd.AddCommand(balanceCmd)
}

// formatLedger writes a tabular ledger history to w.
func formatLedger(out io.Writer, entries []model.LedgerEntry) {
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(out, "No ledger entries.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WHEN\tKIND\tAMOUNT\tBALANCE\tTASK\tREASON")
	_, _ = fmt.Fprintln(w, "----\t----\t------\t-------\t----\t------")

	for _, e := range entries {
		task := e.TaskID
		if len(task) > 8 {
			task = task[:8]
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%+.1f\t%.1f\t%s\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04"),
			e.Kind,
			e.Amount,
			e.BalanceAfter,
			task,
			e.Reason,
		)
	}
	_ = w.Flush()
}
