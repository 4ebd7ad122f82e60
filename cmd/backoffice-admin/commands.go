package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/armazem-sao-joaquim/backoffice/internal/bootstrap"
	"github.com/armazem-sao-joaquim/backoffice/internal/core"
	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	"github.com/armazem-sao-joaquim/backoffice/internal/migrate"
	"github.com/armazem-sao-joaquim/backoffice/internal/service"
)

const timestampLayout = time.RFC3339

func migrateCmd(cmdCtx *commandContext) *cobra.Command {
	var allowRemote bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := guardRemoteHost(cmdCtx, cmd.ErrOrStderr(), allowRemote, "apply schema migrations"); err != nil {
				return err
			}
			return withStores(cmd.Context(), cmdCtx, func(ctx context.Context, s *stores) error {
				if s.DB == nil {
					return errors.New("migrate requires a database connection")
				}
				if err := bootstrap.RunMigrations(ctx, s.DB, cmdCtx.Logger); err != nil {
					return err
				}
				return writeln(cmd.OutOrStdout(), "migrations applied")
			})
		},
	}
	cmd.Flags().BoolVar(&allowRemote, "allow-remote", false, "allow running against a non-local database host")
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they have been applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStores(cmd.Context(), cmdCtx, func(ctx context.Context, s *stores) error {
				if s.DB == nil {
					return errors.New("migrate status requires a database connection")
				}
				statuses, err := migrate.List(ctx, s.DB)
				if err != nil {
					return err
				}
				return printMigrationStatus(cmd.OutOrStdout(), statuses)
			})
		},
	})
	return cmd
}

func printMigrationStatus(out io.Writer, statuses []migrate.Status) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if err := writeln(w, "Version\tApplied\tApplied At"); err != nil {
		return fmt.Errorf("write migration header: %w", err)
	}
	for _, st := range statuses {
		at := "-"
		if st.AppliedAt != nil {
			at = st.AppliedAt.UTC().Format(timestampLayout)
		}
		if err := writef(w, "%s\t%t\t%s\n", st.Version, st.Applied, at); err != nil {
			return fmt.Errorf("write migration %s: %w", st.Version, err)
		}
	}
	return w.Flush()
}

func seedAdminCmd(cmdCtx *commandContext) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "seed-admin <user-id>",
		Short: "Create or update the profile of the allow-listed administrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd.Context(), cmdCtx, func(ctx context.Context, s *stores) error {
				verifier, err := newVerifier(cmdCtx, s)
				if err != nil {
					return err
				}
				if email == "" {
					email = verifier.AdminEmail()
				}
				identity := domainauth.Identity{ID: args[0], Email: email}
				p, err := verifier.EnsureAdminProfile(ctx, identity)
				if err != nil {
					return err
				}
				if err := verifier.Invalidate(ctx, identity.ID); err != nil {
					cmdCtx.Logger.WarnContext(ctx, "clear verification cache failed", "user_id", identity.ID, "error", err)
				}
				return writef(cmd.OutOrStdout(), "profile %s (%s) is %s\n", p.ID, p.Email, p.Role)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "administrator email (defaults to the configured allow-listed email)")
	return cmd
}

func roleCmd(cmdCtx *commandContext, use string, role domainauth.Role) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <user-id>",
		Short: fmt.Sprintf("Set the role of an existing profile to %s", role),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return withStores(cmd.Context(), cmdCtx, func(ctx context.Context, s *stores) error {
				if err := s.Profiles.SetRole(ctx, id, role); err != nil {
					return err
				}
				if s.Cache != nil {
					if err := s.Cache.ClearIdentity(ctx, id); err != nil {
						cmdCtx.Logger.WarnContext(ctx, "clear verification cache failed", "user_id", id, "error", err)
					}
				}
				return writef(cmd.OutOrStdout(), "profile %s is now %s\n", id, role)
			})
		},
	}
}

func adminsCmd(cmdCtx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "admins",
		Short: "List profiles holding the admin role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStores(cmd.Context(), cmdCtx, func(ctx context.Context, s *stores) error {
				profiles, err := s.Profiles.ListByRole(ctx, domainauth.RoleAdmin, limit)
				if err != nil {
					return err
				}
				return printProfiles(cmd.OutOrStdout(), profiles)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of profiles to list")
	return cmd
}

func printProfiles(out io.Writer, profiles []domainauth.UserProfile) error {
	if len(profiles) == 0 {
		return writeln(out, "no admin profiles")
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if err := writeln(w, "ID\tEmail\tRole\tUpdated"); err != nil {
		return fmt.Errorf("write profile header: %w", err)
	}
	for _, p := range profiles {
		if err := writef(w, "%s\t%s\t%s\t%s\n", p.ID, p.Email, p.Role, p.UpdatedAt.UTC().Format(timestampLayout)); err != nil {
			return fmt.Errorf("write profile %s: %w", p.ID, err)
		}
	}
	return w.Flush()
}

func sessionsCmd(cmdCtx *commandContext) *cobra.Command {
	var (
		userID string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List admin session audit records for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(userID) == "" {
				return errors.New("--user is required")
			}
			return withStores(cmd.Context(), cmdCtx, func(ctx context.Context, s *stores) error {
				rows, err := s.Sessions.ListByUser(ctx, userID, limit)
				if err != nil {
					return err
				}
				return printSessions(cmd.OutOrStdout(), rows)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id whose sessions to list")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions to list")
	return cmd
}

func printSessions(out io.Writer, rows []domainauth.AdminSession) error {
	if len(rows) == 0 {
		return writeln(out, "no admin sessions")
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if err := writeln(w, "ID\tEmail\tCreated\tLast Activity\tIP\tUser Agent"); err != nil {
		return fmt.Errorf("write session header: %w", err)
	}
	for _, r := range rows {
		if err := writef(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.Email,
			r.CreatedAt.UTC().Format(timestampLayout),
			r.LastActivity.UTC().Format(timestampLayout),
			deref(r.IPAddress),
			deref(r.UserAgent),
		); err != nil {
			return fmt.Errorf("write session %s: %w", r.ID, err)
		}
	}
	return w.Flush()
}

func verifyCmd(cmdCtx *commandContext) *cobra.Command {
	var fresh bool
	cmd := &cobra.Command{
		Use:   "verify <user-id> <email>",
		Short: "Run the admin verification cascade for an identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity := domainauth.Identity{ID: args[0], Email: args[1]}
			return withStores(cmd.Context(), cmdCtx, func(ctx context.Context, s *stores) error {
				verifier, err := newVerifier(cmdCtx, s)
				if err != nil {
					return err
				}
				if fresh {
					if err := verifier.Invalidate(ctx, identity.ID); err != nil {
						return fmt.Errorf("clear cached verification: %w", err)
					}
				}
				res := verifier.VerifyAdminStatus(ctx, identity)
				return printVerification(cmd.OutOrStdout(), identity, res)
			})
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "drop any cached determination before verifying")
	return cmd
}

func printVerification(out io.Writer, identity domainauth.Identity, res domainauth.AdminVerificationResult) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	lines := [][2]string{
		{"User", identity.ID},
		{"Email", identity.Email},
		{"Admin", strconv.FormatBool(res.IsAdmin)},
		{"Method", string(res.Method)},
	}
	if res.Profile != nil {
		lines = append(lines, [2]string{"Profile Role", string(res.Profile.Role)})
	}
	if res.Failed() {
		lines = append(lines, [2]string{"Error", res.Error})
	}
	for _, l := range lines {
		if err := writef(w, "%s\t%s\n", l[0], l[1]); err != nil {
			return fmt.Errorf("write verification %s: %w", l[0], err)
		}
	}
	return w.Flush()
}

// newVerifier builds a verifier over the command's stores. Without a shared
// cache the results only live for this process.
func newVerifier(cmdCtx *commandContext, s *stores) (*service.AdminVerifier, error) {
	cache := s.Cache
	if cache == nil {
		cache = core.NewMemoryVerificationCache(cmdCtx.Config.Auth.AdminCacheTTL, nil)
	}
	return service.NewAdminVerifier(service.AdminVerifierOptions{
		Profiles:      s.Profiles,
		Cache:         cache,
		AdminEmail:    cmdCtx.Config.Auth.AdminEmail,
		VerifyTimeout: cmdCtx.Config.Auth.VerifyTimeout,
		Logger:        cmdCtx.Logger,
	})
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
