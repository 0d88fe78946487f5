package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
)

var (
	runUser   string
	runName   string
	runTitle  string
	runState  string
	runCount  int
	runMode   string
	runMinAge int
	runMaxAge int
	runVerify bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single search task synchronously",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		params := model.SearchParams{
			Name:           runName,
			Title:          runTitle,
			State:          runState,
			RequestedCount: runCount,
			MinAge:         runMinAge,
			MaxAge:         runMaxAge,
			Mode:           model.SearchMode(runMode),
			VerifyPhones:   runVerify,
		}

		taskID, err := env.Service.StartTask(ctx, runUser, params)
		if err != nil {
			return eris.Wrap(err, "start task")
		}

		status, err := env.Service.Run(ctx, taskID)
		if err != nil {
			return eris.Wrap(err, "run task")
		}

		zap.L().Info("task finished",
			zap.String("task_id", taskID),
			zap.String("status", string(status)),
		)

		progress, err := env.Service.GetProgress(ctx, taskID)
		if err != nil {
			return eris.Wrap(err, "get progress")
		}

		// Print result JSON to stdout
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"task_id": taskID,
			"status":  progress.Status,
			"stats":   progress.Stats,
		})
	},
}

func init() {
	runCmd.Flags().StringVar(&runUser, "user", "", "user ID to bill (required)")
	runCmd.Flags().StringVar(&runName, "name", "", "person name to search for")
	runCmd.Flags().StringVar(&runTitle, "title", "", "job title filter")
	runCmd.Flags().StringVar(&runState, "state", "", "two-letter state filter")
	runCmd.Flags().IntVar(&runCount, "count", 10, "number of records to request")
	runCmd.Flags().StringVar(&runMode, "mode", "fuzzy", "search mode: fuzzy or exact")
	runCmd.Flags().IntVar(&runMinAge, "min-age", 0, "minimum age filter (0 = unset)")
	runCmd.Flags().IntVar(&runMaxAge, "max-age", 0, "maximum age filter (0 = unset)")
	runCmd.Flags().BoolVar(&runVerify, "verify", true, "phone-verify records with phone numbers")
	_ = runCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(runCmd)
}
