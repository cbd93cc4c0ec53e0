package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/labcv/labcv/internal/app/domain/payment"
	"github.com/labcv/labcv/internal/cli"
)

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print dashboard figures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			stats, err := e.app.Store.Stats(ctx, time.Now().UTC(), e.app.Learning.Threshold())
			if err != nil {
				return err
			}
			out := printer(cmd)
			if jsonOutput {
				return out.JSON(stats)
			}
			currency := e.cfg.Product.Pricing.Currency
			rows := [][]string{
				{"users", fmt.Sprint(stats.Users)},
				{"cvs", fmt.Sprint(stats.CVs)},
				{"completed cvs", fmt.Sprint(stats.CompletedCVs)},
				{"revenue", cli.FormatAmount(stats.RevenueCents, currency)},
				{"active grants", fmt.Sprint(stats.ActiveGrants)},
				{"feedback", fmt.Sprint(stats.Feedback)},
				{"average rating", fmt.Sprintf("%.2f", stats.AverageRating)},
				{"active patterns", fmt.Sprint(stats.ActivePatterns)},
				{"training sessions", fmt.Sprint(stats.TrainingSessions)},
			}
			for _, s := range payment.AllStatuses {
				rows = append(rows, []string{"payments " + strings.ToLower(string(s)), fmt.Sprint(stats.Payments[s])})
			}
			return out.Table([]string{"METRIC", "VALUE"}, rows)
		},
	}
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Run maintenance jobs once",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the maintenance jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			runs := e.app.Jobs.Runs()
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{r.Name, r.Schedule})
			}
			return printer(cmd).Result(runs, []string{"NAME", "SCHEDULE"}, rows)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "run <name>",
		Short: "Run a maintenance job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.app.Jobs.RunNow(ctx, args[0]); err != nil {
				return err
			}
			printer(cmd).Success("job %s finished", args[0])
			return nil
		},
	})
	return cmd
}
