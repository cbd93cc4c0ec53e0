package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/labcv/labcv/internal/app/domain/profile"
	"github.com/labcv/labcv/internal/app/services/profiles"
	"github.com/labcv/labcv/internal/app/storage"
	"github.com/labcv/labcv/internal/cli"
)

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage user accounts and roles",
	}
	cmd.AddCommand(usersCreateCmd(), usersListCmd(), setRoleCmd("promote", profile.RoleAdmin), setRoleCmd("demote", profile.RoleUser))
	return cmd
}

func usersCreateCmd() *cobra.Command {
	var (
		email, password, name string
		admin                 bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a confirmed Supabase user and its profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !strings.Contains(email, "@") || len(password) < 8 {
				return fmt.Errorf("--email and a --password of at least 8 characters are required")
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()
			if e.app.Supabase == nil || e.cfg.Supabase.ServiceKey == "" {
				return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required to create users")
			}

			var metadata map[string]any
			if name != "" {
				metadata = map[string]any{"full_name": name}
			}
			user, err := e.app.Supabase.Auth().AdminCreateUser(ctx, email, password, metadata)
			if err != nil {
				return fmt.Errorf("create auth user: %w", err)
			}
			p, err := e.app.Profiles.Ensure(ctx, profiles.Identity{UserID: user.ID, Email: user.Email, FullName: name})
			if err != nil {
				return fmt.Errorf("create profile: %w", err)
			}
			if admin {
				if p, err = e.app.Profiles.SetRole(ctx, p.ID, profile.RoleAdmin); err != nil {
					return fmt.Errorf("grant admin: %w", err)
				}
			}
			out := printer(cmd)
			if jsonOutput {
				return out.JSON(p)
			}
			out.Success("created %s (%s) as %s", p.Email, p.ID, p.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "e-mail address")
	cmd.Flags().StringVar(&password, "password", "", "initial password")
	cmd.Flags().StringVar(&name, "name", "", "full name")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	return cmd
}

func usersListCmd() *cobra.Command {
	var (
		query, role string
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			items, err := e.app.Profiles.List(ctx, storage.ProfileFilter{
				Query: query,
				Role:  profile.Role(role),
				Page:  storage.Page{Limit: limit}.Normalize(),
			})
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(items))
			for _, p := range items {
				rows = append(rows, []string{p.ID, p.Email, p.FullName, string(p.Role), cli.FormatTime(p.CreatedAt)})
			}
			return printer(cmd).Result(items, []string{"ID", "EMAIL", "NAME", "ROLE", "CREATED"}, rows)
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "match e-mail or name")
	cmd.Flags().StringVar(&role, "role", "", "filter by role (user, admin)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows")
	return cmd
}

func setRoleCmd(use string, role profile.Role) *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Set the %s role on a user", role),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(ref) == "" {
				return fmt.Errorf("--email or --id is required")
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			p, err := e.app.Profiles.SetRole(ctx, ref, role)
			if err != nil {
				return err
			}
			out := printer(cmd)
			if jsonOutput {
				return out.JSON(p)
			}
			out.Success("%s is now %s", p.Email, p.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&ref, "email", "", "user e-mail")
	cmd.Flags().StringVar(&ref, "id", "", "user id")
	return cmd
}
