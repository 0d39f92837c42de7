package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/iliyamo/supper-club-booking/internal/app"
	"github.com/iliyamo/supper-club-booking/internal/config"
	"github.com/iliyamo/supper-club-booking/internal/model"
	"github.com/iliyamo/supper-club-booking/internal/utils"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	EnvFile string
	Format  string // "json" | "text"
}

var validFormats = []string{"text", "json"}

// newRootCommand creates the bookingctl command tree.
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "bookingctl",
		Short: "Maintenance commands for the supper club booking engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before reading config")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newSweepCommand(opts, "sweep-holds", "Release pending bookings whose hold has expired",
		func(ctx context.Context, a *app.App) (int, error) { return a.Engine.SweepHolds(ctx) }))
	cmd.AddCommand(newSweepCommand(opts, "complete-events", "Mark confirmed bookings of finished events completed",
		func(ctx context.Context, a *app.App) (int, error) { return a.Engine.CompleteEvents(ctx) }))
	cmd.AddCommand(newSweepCommand(opts, "reconcile-orphans", "Retry recording outcomes for orphaned payment notifications",
		func(ctx context.Context, a *app.App) (int, error) { return a.Engine.ReconcileOrphans(ctx) }))
	cmd.AddCommand(newAvailabilityCommand(opts))
	cmd.AddCommand(newCreateUserCommand(opts))

	return cmd
}

// withApp builds the application for a single command and closes it afterwards.
func withApp(opts *rootOptions, fn func(a *app.App) error) error {
	_ = godotenv.Load(opts.EnvFile)
	cfg := config.Load()
	a, err := app.New(cfg, app.SetupLogger(cfg.Env))
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}
	defer a.Close()
	return fn(a)
}

func newSweepCommand(opts *rootOptions, use, short string, run func(context.Context, *app.App) (int, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app.App) error {
				n, err := run(cmd.Context(), a)
				if err != nil {
					return err
				}
				return write(cmd.OutOrStdout(), opts.Format, map[string]int{"affected": n},
					fmt.Sprintf("%s: %d affected", use, n))
			})
		},
	}
}

func newAvailabilityCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "availability <event-id>",
		Short: "Show remaining seats for an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || id == 0 {
				return fmt.Errorf("invalid event id %q", args[0])
			}
			return withApp(opts, func(a *app.App) error {
				av, err := a.Engine.Availability(cmd.Context(), id)
				if err != nil {
					return err
				}
				return write(cmd.OutOrStdout(), opts.Format, av,
					fmt.Sprintf("%s: %d of %d seats available", av.Title, av.AvailableSeats, av.MaxSeats))
			})
		},
	}
}

type createUserOptions struct {
	Email    string
	Password string
	Role     string
}

func newCreateUserCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &createUserOptions{}

	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a user account, including ADMIN accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			email := strings.ToLower(strings.TrimSpace(opts.Email))
			if email == "" {
				return fmt.Errorf("email is required")
			}
			if err := utils.CheckPassword(opts.Password); err != nil {
				return err
			}
			role := strings.ToUpper(opts.Role)
			return withApp(rootOpts, func(a *app.App) error {
				hash, err := utils.HashPassword(opts.Password, a.Cfg.BcryptCost)
				if err != nil {
					return fmt.Errorf("hash password: %w", err)
				}
				id, err := a.CreateUser(cmd.Context(), email, hash, role)
				if err != nil {
					return err
				}
				return write(cmd.OutOrStdout(), rootOpts.Format,
					map[string]any{"id": id, "email": email, "role": role},
					fmt.Sprintf("created %s user %s (id %d)", role, email, id))
			})
		},
	}

	cmd.Flags().StringVar(&opts.Email, "email", "", "account email (required)")
	cmd.Flags().StringVar(&opts.Password, "password", "", "account password (required)")
	cmd.Flags().StringVar(&opts.Role, "role", model.RoleCustomer, "CUSTOMER or ADMIN")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")

	return cmd
}

func write(w io.Writer, format string, v any, text string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}
