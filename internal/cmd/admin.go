package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seoaudit/seoaudit/internal/admin"
	"github.com/seoaudit/seoaudit/internal/auth"
	"github.com/seoaudit/seoaudit/internal/cli"
	"github.com/seoaudit/seoaudit/internal/config"
	"github.com/seoaudit/seoaudit/internal/hub"
	"github.com/seoaudit/seoaudit/internal/store"
)

// cliActor is recorded in the admin trail for changes made from the command line.
const cliActor = "cli"

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Demote cancelled subscriptions whose paid period has ended",
		Args:  cobra.NoArgs,
		RunE: withServices(func(cmd *cobra.Command, _ []string, _ *config.Config, svc *hub.Services) error {
			res, err := svc.Admin.Sweep(cmd.Context(), cliActor)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, cli.Success.Render(fmt.Sprintf("Demoted %d subscription(s) to the free plan.", res.Processed)))
			_, _ = fmt.Fprintln(out, cli.Row("Swept at", res.SweptAt.UTC().Format("2006-01-02 15:04:05Z")))
			return nil
		}),
	}
}

func newPlansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List the plan catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			catalog, err := cfg.Catalog()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.Table(
				[]string{"ID", "NAME", "SITES", "AUDITS", "WINDOW"},
				cli.PlanRows(catalog.List()),
			))
			return nil
		},
	}
}

func newPlanCmd() *cobra.Command {
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage user plans",
	}
	planCmd.AddCommand(&cobra.Command{
		Use:   "set <user> <plan>",
		Short: "Assign a plan to a user (id or email), recorded in the admin trail",
		Args:  cobra.ExactArgs(2),
		RunE: withServices(func(cmd *cobra.Command, args []string, _ *config.Config, svc *hub.Services) error {
			userID, err := resolveUser(cmd.Context(), svc, args[0])
			if err != nil {
				return err
			}
			sub, err := svc.Admin.SetPlan(cmd.Context(), cliActor, userID, args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, cli.Success.Render(fmt.Sprintf("User %s is now on the %s plan.", userID, sub.PlanID)))
			_, _ = fmt.Fprintln(out, cli.Row("Status", sub.Status))
			_, _ = fmt.Fprintln(out, cli.Row("Period end", cli.Timestamp(sub.PeriodEnd)))
			return nil
		}),
	})
	return planCmd
}

func newUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage <user>",
		Short: "Show a user's plan and remaining quota (id or email)",
		Args:  cobra.ExactArgs(1),
		RunE: withServices(func(cmd *cobra.Command, args []string, _ *config.Config, svc *hub.Services) error {
			userID, err := resolveUser(cmd.Context(), svc, args[0])
			if err != nil {
				return err
			}
			sum, err := svc.Evaluator.Usage(cmd.Context(), userID)
			if err != nil {
				return err
			}

			status := sum.Subscription.Status
			if sum.Subscription.Virtual {
				status += " (no subscription on record)"
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, cli.Title.Render("Usage for "+userID))
			_, _ = fmt.Fprintln(out, cli.Rule(40))
			_, _ = fmt.Fprintln(out, cli.Row("Plan", fmt.Sprintf("%s (%s)", sum.Plan.Name, sum.Plan.ID)))
			_, _ = fmt.Fprintln(out, cli.Row("Status", status))
			_, _ = fmt.Fprintln(out, cli.Row("Period end", cli.Timestamp(sum.Subscription.PeriodEnd)))
			_, _ = fmt.Fprintln(out, cli.Row("Audits", cli.Quota(sum.Audits.Used, sum.Audits.Limit, sum.Audits.Remaining)))
			_, _ = fmt.Fprintln(out, cli.Row("Window start", cli.Timestamp(sum.Audits.WindowStart)))
			_, _ = fmt.Fprintln(out, cli.Row("Sites", cli.Quota(sum.Sites.Used, sum.Sites.Limit, sum.Sites.Remaining)))
			return nil
		}),
	}
}

func newUserCmd() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage built-in users",
	}
	addCmd := &cobra.Command{
		Use:   "add <email>",
		Short: "Create a user with the built-in auth provider",
		Args:  cobra.ExactArgs(1),
		RunE: withServices(func(cmd *cobra.Command, args []string, cfg *config.Config, svc *hub.Services) error {
			isAdmin, _ := cmd.Flags().GetBool("admin")
			role := store.RoleUser
			if isAdmin {
				role = store.RoleAdmin
			}

			p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
			password := p.AskNewPassword("Password", auth.MinPasswordLength)
			if password == "" {
				return fmt.Errorf("no usable password entered")
			}

			user, err := auth.NewService(svc.Store, cfg.Auth).Register(cmd.Context(), args[0], password, role)
			if err != nil {
				return err
			}
			svc.Admin.Log(cmd.Context(), admin.ActionUserCreated, cliActor, user.ID, map[string]string{"email": user.Email, "role": user.Role})

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.Success.Render(fmt.Sprintf("Created %s %s", user.Role, user.Email)))
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.Row("ID", user.ID))
			return nil
		}),
	}
	addCmd.Flags().Bool("admin", false, "grant the admin role")
	userCmd.AddCommand(addCmd)
	return userCmd
}

type servicesRunE func(cmd *cobra.Command, args []string, cfg *config.Config, svc *hub.Services) error

// withServices opens the services for the duration of one command.
func withServices(fn servicesRunE) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, svc, err := openServices(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = svc.Store.Close() }()
		return fn(cmd, args, cfg, svc)
	}
}

// resolveUser accepts a user id or the email of a built-in user.
func resolveUser(ctx context.Context, svc *hub.Services, ref string) (string, error) {
	if !strings.Contains(ref, "@") {
		return ref, nil
	}
	u, err := svc.Store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(ref)))
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", fmt.Errorf("no user with email %q", ref)
	}
	return u.ID, nil
}
