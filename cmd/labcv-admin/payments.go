package main

import (
	"github.com/spf13/cobra"

	"github.com/labcv/labcv/internal/app/domain/payment"
	"github.com/labcv/labcv/internal/app/storage"
	"github.com/labcv/labcv/internal/cli"
)

func paymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payments",
		Short: "Inspect and maintain Yappy payments",
	}
	cmd.AddCommand(paymentsListCmd(), paymentsExpireCmd(), paymentsReconcileCmd())
	return cmd
}

func paymentsListCmd() *cobra.Command {
	var (
		status, userID string
		limit          int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List payments, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := storage.PaymentFilter{UserID: userID, Page: storage.Page{Limit: limit}.Normalize()}
			if status != "" {
				s, err := payment.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = s
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			items, err := e.app.Payments.List(ctx, filter)
			if err != nil {
				return err
			}
			out := printer(cmd)
			rows := make([][]string, 0, len(items))
			for _, p := range items {
				rows = append(rows, []string{
					p.ID,
					p.OrderID,
					colorStatus(out, p.Status),
					cli.FormatAmount(p.AmountCents, p.Currency),
					p.UserID,
					cli.FormatTime(p.CreatedAt),
				})
			}
			return out.Result(items, []string{"ID", "ORDER", "STATUS", "AMOUNT", "USER", "CREATED"}, rows)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, completed, failed, cancelled, expired)")
	cmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows")
	return cmd
}

func colorStatus(p *cli.Printer, s payment.Status) string {
	switch s {
	case payment.StatusCompleted:
		return p.Colorize(string(s), cli.ColorGreen)
	case payment.StatusPending:
		return p.Colorize(string(s), cli.ColorYellow)
	case payment.StatusFailed, payment.StatusCancelled, payment.StatusExpired:
		return p.Colorize(string(s), cli.ColorRed)
	}
	return string(s)
}

func paymentsExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire pending payments past their deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.app.Payments.ExpireStale(ctx)
			if err != nil {
				return err
			}
			return reportCount(cmd, "expired", n)
		},
	}
}

func paymentsReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [payment-id]",
		Short: "Ask Yappy for the status of one or every pending payment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			if len(args) == 1 {
				p, err := e.app.Payments.ForceReconcile(ctx, args[0])
				if err != nil {
					return err
				}
				out := printer(cmd)
				if jsonOutput {
					return out.JSON(p)
				}
				out.Success("payment %s is %s", p.ID, colorStatus(out, p.Status))
				return nil
			}
			n, err := e.app.Payments.ReconcilePending(ctx)
			if err != nil {
				return err
			}
			return reportCount(cmd, "changed", n)
		},
	}
}

func reportCount(cmd *cobra.Command, label string, n int) error {
	out := printer(cmd)
	if jsonOutput {
		return out.JSON(map[string]int{label: n})
	}
	out.Success("%d payment(s) %s", n, label)
	return nil
}
