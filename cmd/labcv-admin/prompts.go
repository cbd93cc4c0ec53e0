package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/labcv/labcv/internal/cli"
)

func promptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "Manage system prompt versions",
	}
	cmd.AddCommand(promptsSeedCmd(), promptsListCmd(), promptsCreateCmd())
	return cmd
}

func promptsSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the first prompt version when none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			v, created, err := e.app.Prompts.Seed(ctx, "")
			if err != nil {
				return err
			}
			out := printer(cmd)
			if jsonOutput {
				return out.JSON(map[string]interface{}{"version": v, "created": created})
			}
			if created {
				out.Success("seeded prompt version %d", v.Version)
			} else {
				out.Info("prompt versions already exist; latest is %d", v.Version)
			}
			return nil
		},
	}
}

func promptsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List prompt versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			versions, err := e.app.Prompts.List(ctx)
			if err != nil {
				return err
			}
			out := printer(cmd)
			rows := make([][]string, 0, len(versions))
			for _, v := range versions {
				active := ""
				if v.IsActive {
					active = out.Colorize("active", cli.ColorGreen)
				}
				rows = append(rows, []string{fmt.Sprint(v.Version), v.ID, active, v.Notes, cli.FormatTime(v.CreatedAt)})
			}
			return out.Result(versions, []string{"VERSION", "ID", "STATE", "NOTES", "CREATED"}, rows)
		},
	}
}

func promptsCreateCmd() *cobra.Command {
	var (
		file, notes string
		activate    bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a prompt version from a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read prompt: %w", err)
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			v, err := e.app.Prompts.Create(ctx, "", strings.TrimSpace(string(raw)), notes, activate)
			if err != nil {
				return err
			}
			out := printer(cmd)
			if jsonOutput {
				return out.JSON(v)
			}
			out.Success("created prompt version %d (active=%t)", v.Version, v.IsActive)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with the prompt text")
	cmd.Flags().StringVar(&notes, "notes", "", "change notes")
	cmd.Flags().BoolVar(&activate, "activate", false, "activate the new version")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
