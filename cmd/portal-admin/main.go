package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/einyx/bucket-access-portal/internal/access"
	"github.com/einyx/bucket-access-portal/internal/apperr"
	"github.com/einyx/bucket-access-portal/internal/config"
	"github.com/einyx/bucket-access-portal/internal/database"
	"github.com/einyx/bucket-access-portal/internal/directory"
	"github.com/einyx/bucket-access-portal/internal/logging"
	"github.com/einyx/bucket-access-portal/internal/permissions"
	"github.com/einyx/bucket-access-portal/internal/registry"
	"github.com/einyx/bucket-access-portal/internal/security"
	"github.com/einyx/bucket-access-portal/internal/storage"
)

const timeFormat = "2006-01-02 15:04:05"

// app holds the global flags and the factories commands open collaborators with
type app struct {
	configFile string
	db         database.Config
	out        io.Writer

	openStore   func(a *app) (database.Store, error)
	openBackend func(a *app) (storage.Backend, error)
}

func main() {
	a := &app{
		out:         os.Stdout,
		openStore:   openStore,
		openBackend: openBackend,
	}
	if err := newRootCmd(a).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "portal-admin",
		Short:         "Administration CLI for the bucket access portal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			return logging.Setup(level, false)
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&a.db.ConnectionString, "db-connection", "", "database connection string")
	rootCmd.PersistentFlags().StringVar(&a.db.Driver, "db-driver", "postgres", "database driver")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		a.usersCmd(),
		a.bucketsCmd(),
		a.grantCmd(),
		a.revokeCmd(),
		a.requestsCmd(),
		a.migrateCmd(),
	)
	return rootCmd
}

// withStore opens the store for the duration of fn
func (a *app) withStore(fn func(ctx context.Context, store database.Store) error) error {
	store, err := a.openStore(a)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), store)
}

func (a *app) table() *tabwriter.Writer {
	return tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
}

func (a *app) usersCmd() *cobra.Command {
	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "Inspect portal users",
	}
	usersCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all users",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return a.withStore(func(ctx context.Context, store database.Store) error {
				users, err := directory.New(store, directory.DefaultAdminGroups).List(ctx)
				if err != nil {
					return err
				}
				tw := a.table()
				fmt.Fprintln(tw, "ID\tUSERNAME\tEMAIL\tROLE\tGROUPS\tLAST SEEN")
				for _, u := range users {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
						u.ID, u.Username, u.Email, u.Role,
						strings.Join(u.Groups, ","), humanize.Time(u.UpdatedAt))
				}
				return tw.Flush()
			})
		},
	})
	return usersCmd
}

func (a *app) bucketsCmd() *cobra.Command {
	bucketsCmd := &cobra.Command{
		Use:   "buckets",
		Short: "Inspect and synchronize the bucket catalog",
	}
	bucketsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cataloged buckets",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return a.withStore(func(ctx context.Context, store database.Store) error {
				buckets, err := registry.New(store, nil, nil).ListAll(ctx)
				if err != nil {
					return err
				}
				tw := a.table()
				fmt.Fprintln(tw, "ID\tNAME\tREGION\tCREATED\tMISSING SINCE")
				for _, b := range buckets {
					missing := "-"
					if b.MissingSince != nil {
						missing = b.MissingSince.Format(timeFormat)
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
						b.ID, b.Name, b.Region, b.CreatedAt.Format(timeFormat), missing)
				}
				return tw.Flush()
			})
		},
	})
	bucketsCmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Synchronize the catalog with the storage provider",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			backend, err := a.openBackend(a)
			if err != nil {
				return err
			}
			return a.withStore(func(ctx context.Context, store database.Store) error {
				result, err := registry.New(store, backend, nil).Refresh(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Seen %d buckets: %d added, %d missing, %d restored\n",
					result.Seen, len(result.Added), len(result.Missing), len(result.Restored))
				for _, name := range result.Added {
					fmt.Fprintf(a.out, "  + %s\n", name)
				}
				for _, name := range result.Missing {
					fmt.Fprintf(a.out, "  ! %s\n", name)
				}
				return nil
			})
		},
	})
	return bucketsCmd
}

func (a *app) grantCmd() *cobra.Command {
	var (
		level   string
		expires time.Duration
	)
	grantCmd := &cobra.Command{
		Use:   "grant <user-id> <bucket-name>",
		Short: "Grant a user access to a bucket",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			userID, err := parseID("user-id", args[0])
			if err != nil {
				return err
			}
			return a.withStore(func(ctx context.Context, store database.Store) error {
				bucket, err := findBucket(ctx, store, args[1])
				if err != nil {
					return err
				}
				var expiresAt *time.Time
				if expires > 0 {
					t := time.Now().UTC().Add(expires)
					expiresAt = &t
				}
				perm, err := permissions.NewService(store).Grant(ctx, userID, bucket.ID, database.AccessLevel(level), expiresAt)
				if err != nil {
					return err
				}
				until := "never expires"
				if perm.ExpiresAt != nil {
					until = "expires " + perm.ExpiresAt.Format(timeFormat)
				}
				fmt.Fprintf(a.out, "Granted %s on %s to user %d (%s)\n", perm.AccessLevel, bucket.Name, userID, until)
				return nil
			})
		},
	}
	grantCmd.Flags().StringVar(&level, "level", string(database.AccessRead), "access level (read, write, admin)")
	grantCmd.Flags().DurationVar(&expires, "expires", 0, "grant lifetime, e.g. 72h (default: no expiry)")
	return grantCmd
}

func (a *app) revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <user-id> <bucket-name>",
		Short: "Revoke every grant a user holds on a bucket",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			userID, err := parseID("user-id", args[0])
			if err != nil {
				return err
			}
			return a.withStore(func(ctx context.Context, store database.Store) error {
				bucket, err := findBucket(ctx, store, args[1])
				if err != nil {
					return err
				}
				n, err := permissions.NewService(store).Revoke(ctx, userID, bucket.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Revoked %d grant(s) on %s from user %d\n", n, bucket.Name, userID)
				return nil
			})
		},
	}
}

func (a *app) requestsCmd() *cobra.Command {
	requestsCmd := &cobra.Command{
		Use:   "requests",
		Short: "Review access requests",
	}

	var pendingOnly bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List access requests, newest first",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return a.withStore(func(ctx context.Context, store database.Store) error {
				engine := access.NewEngine(store, nil, nil)
				var (
					reqs []database.AccessRequestWithUserBucket
					err  error
				)
				if pendingOnly {
					reqs, err = engine.ListPending(ctx)
				} else {
					reqs, err = engine.ListAll(ctx)
				}
				if err != nil {
					return err
				}
				tw := a.table()
				fmt.Fprintln(tw, "ID\tUSER\tBUCKET\tHOURS\tSTATUS\tCREATED\tJUSTIFICATION")
				for _, r := range reqs {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
						r.ID, r.User.Username, r.Bucket.Name, r.RequestedDuration, r.Status,
						humanize.Time(r.CreatedAt), r.Justification)
				}
				return tw.Flush()
			})
		},
	}
	listCmd.Flags().BoolVar(&pendingOnly, "pending", false, "only show pending requests")

	var (
		approverID int64
		duration   int
	)
	decideCmd := &cobra.Command{
		Use:       "decide <request-id> approve|deny",
		Short:     "Approve or deny a pending access request",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"approve", "deny"},
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseID("request-id", args[0])
			if err != nil {
				return err
			}
			var status database.RequestStatus
			switch strings.ToLower(args[1]) {
			case "approve", "approved":
				status = database.StatusApproved
			case "deny", "denied":
				status = database.StatusDenied
			default:
				return apperr.Validation("invalid decision", map[string]string{"decision": "must be approve or deny"})
			}
			var override *int
			if duration > 0 {
				override = &duration
			}
			return a.withStore(func(ctx context.Context, store database.Store) error {
				approver, err := store.GetUser(ctx, approverID)
				if err != nil {
					return apperr.Collaborator("user lookup", err)
				}
				if !approver.IsAdmin() {
					return apperr.Forbidden(fmt.Sprintf("user %d is not an admin", approverID))
				}
				req, err := access.NewEngine(store, nil, logging.NewSecurityAuditLogger()).Decide(ctx, id, status, approverID, override)
				if err != nil {
					return err
				}
				msg := fmt.Sprintf("Request %d %s", req.ID, req.Status)
				if req.ExpiresAt != nil {
					msg += ", access expires " + req.ExpiresAt.Format(timeFormat)
				}
				fmt.Fprintln(a.out, msg)
				return nil
			})
		},
	}
	decideCmd.Flags().Int64Var(&approverID, "approver", 0, "id of the deciding admin user")
	decideCmd.Flags().IntVar(&duration, "duration", 0, "override the granted hours on approval")
	_ = decideCmd.MarkFlagRequired("approver")

	requestsCmd.AddCommand(listCmd, decideCmd)
	return requestsCmd
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the portal tables",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := a.databaseConfig()
			if err != nil {
				return err
			}
			if cfg.Driver == "memory" {
				return fmt.Errorf("migrate requires a SQL database driver")
			}
			db, err := database.NewConnection(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(context.Background()); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Database schema is up to date")
			return nil
		},
	}
}

func parseID(name, raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid "+name, map[string]string{name: "must be a positive integer"})
	}
	return id, nil
}

func findBucket(ctx context.Context, store database.Store, name string) (*database.Bucket, error) {
	if err := security.ValidateBucketName(name); err != nil {
		return nil, apperr.Validation("invalid bucket name", map[string]string{"bucket-name": err.Error()})
	}
	bucket, err := registry.New(store, nil, nil).FindByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if bucket == nil {
		return nil, apperr.NotFound("bucket", name)
	}
	return bucket, nil
}

// databaseConfig prefers the config file's database section over the flags
func (a *app) databaseConfig() (database.Config, error) {
	cfg := a.db
	if a.configFile != "" {
		full, err := config.Load(a.configFile)
		if err != nil {
			return cfg, err
		}
		cfg = database.Config{
			Driver:           full.Database.Driver,
			ConnectionString: full.Database.ConnectionString,
			MaxOpenConns:     full.Database.MaxOpenConns,
			MaxIdleConns:     full.Database.MaxIdleConns,
			ConnMaxLifetime:  full.Database.ConnMaxLifetime,
		}
	}
	if cfg.Driver != "memory" && cfg.ConnectionString == "" {
		return cfg, fmt.Errorf("database connection string is required: use --db-connection or a config file")
	}
	return cfg, nil
}

func openStore(a *app) (database.Store, error) {
	cfg, err := a.databaseConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Driver == "memory" {
		logrus.Warn("Using an empty in-memory store")
		return database.NewMemoryStore(), nil
	}
	return database.NewConnection(cfg)
}

func openBackend(a *app) (storage.Backend, error) {
	if a.configFile == "" {
		return nil, fmt.Errorf("buckets sync requires --config for storage provider settings")
	}
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return nil, err
	}
	return storage.NewS3Backend(cfg.Storage, nil)
}
