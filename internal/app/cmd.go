package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/trialkey/internal/config"
	"github.com/hitoshi/trialkey/internal/database"
	"github.com/hitoshi/trialkey/internal/discord"
	"github.com/hitoshi/trialkey/internal/pool"
)

// NewRootCommand はtrialkeyのコマンドツリーを構築する。
// wはログとコマンド出力の両方に使う。
func NewRootCommand(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "trialkey",
		Short:         "Discord trial key dispenser",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveCommand(w)
		},
	}
	root.SetOut(w)
	root.SetErr(w)

	root.AddCommand(
		newServeCmd(w),
		newMigrateCmd(w),
		newHealthcheckCmd(),
		newKeysCmd(w),
		newAccountsCmd(w),
		newCommandsCmd(w),
	)
	return root
}

func newServeCmd(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (OAuth callback, interactions, admin API)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveCommand(w)
		},
	}
}

func serveCommand(w io.Writer) error {
	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runServe(ctx, cfg)
}

func newMigrateCmd(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply all pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			return runMigrate(cfg)
		},
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreDriver == config.StoreMemory {
		slog.Info("memory store needs no migrations")
		return nil
	}

	slog.Info("running database migrations",
		slog.String("driver", cfg.StoreDriver),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	if err := database.RunMigrations(database.Driver(cfg.StoreDriver), cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// newHealthcheckCmd はdistroless環境でのDockerヘルスチェック用サブコマンド。
// 軽量に動かすため設定の読み込みは行わない。
func newHealthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe the local /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			port := os.Getenv("SERVER_PORT")
			if port == "" {
				port = "8080"
			}
			return runHealthcheck(fmt.Sprintf("http://localhost:%s/health", port))
		},
	}
}

// runHealthcheck は/health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func newKeysCmd(w io.Writer) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the trial key pool (add, list)",
	}

	var file string
	addCmd := &cobra.Command{
		Use:   "add [key...]",
		Short: "Add trial keys from arguments or a file",
		Long: `Add trial keys to the pool. Keys may be given as arguments, or read from
a file (one per line, or comma separated) with --file. Use --file - for stdin.
Duplicates and invalid keys are skipped and reported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var ids []string
			for _, a := range args {
				ids = append(ids, pool.ParseIDs(a)...)
			}
			if file != "" {
				fromFile, err := readIDs(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				ids = append(ids, fromFile...)
			}
			if len(ids) == 0 {
				return fmt.Errorf("no keys given")
			}

			return withComponents(w, func(ctx context.Context, c *components) error {
				report, err := c.pool.Add(ctx, ids, time.Now())
				if err != nil {
					return fmt.Errorf("failed to add keys: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added=%d duplicate=%d invalid=%d\n",
					report.Added, report.Duplicate, report.Invalid)
				return nil
			})
		},
	}
	addCmd.Flags().StringVarP(&file, "file", "f", "", "read keys from file (- for stdin)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all keys with their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(w, func(ctx context.Context, c *components) error {
				creds, err := c.pool.List(ctx)
				if err != nil {
					return fmt.Errorf("failed to list keys: %w", err)
				}
				if len(creds) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No keys found.")
					return nil
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tSTATE\tOWNER\tADDED\tCLAIMED")
				for _, cr := range creds {
					claimed := "-"
					if cr.ClaimedAt != nil {
						claimed = cr.ClaimedAt.UTC().Format(time.RFC3339)
					}
					owner := cr.Owner
					if owner == "" {
						owner = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						cr.ID, cr.State, owner, cr.AddedAt.UTC().Format(time.RFC3339), claimed)
				}
				return tw.Flush()
			})
		},
	}

	keysCmd.AddCommand(addCmd, listCmd)
	return keysCmd
}

func newAccountsCmd(w io.Writer) *cobra.Command {
	accountsCmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect linked accounts",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List linked accounts and their last issued key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(w, func(ctx context.Context, c *components) error {
				accounts, err := c.accounts.List(ctx)
				if err != nil {
					return fmt.Errorf("failed to list accounts: %w", err)
				}
				if len(accounts) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No accounts found.")
					return nil
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "IDENTITY\tEMAIL\tLINKED\tKEY\tISSUED")
				for _, a := range accounts {
					key, issued := "-", "-"
					if a.Issuance != nil {
						key = a.Issuance.CredentialID
						issued = a.Issuance.IssuedAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						a.Identity, a.ProfileID, a.LinkedAt.UTC().Format(time.RFC3339), key, issued)
				}
				return tw.Flush()
			})
		},
	}

	accountsCmd.AddCommand(listCmd)
	return accountsCmd
}

func newCommandsCmd(w io.Writer) *cobra.Command {
	commandsCmd := &cobra.Command{
		Use:   "commands",
		Short: "Manage Discord slash commands",
	}

	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register slash commands (guild-scoped when DISCORD_GUILD_ID is set)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			if err := cfg.RequireDiscord(); err != nil {
				return err
			}

			client := discord.NewClient(discord.ClientConfig{
				BotToken:      cfg.DiscordBotToken,
				ApplicationID: cfg.DiscordClientID,
			})
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := client.RegisterCommands(ctx, cfg.DiscordGuildID, discord.Commands()); err != nil {
				return err
			}

			slog.Info("slash commands registered",
				slog.String("guild_id", cfg.DiscordGuildID),
				slog.Int("count", len(discord.Commands())),
			)
			return nil
		},
	}

	commandsCmd.AddCommand(registerCmd)
	return commandsCmd
}

// withComponents は設定を読み込んでストアを開き、fnを実行する。
func withComponents(w io.Writer, fn func(ctx context.Context, c *components) error) error {
	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	ctx := context.Background()
	c, err := newComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	return fn(ctx, c)
}

// readIDs はファイルまたは標準入力からキーを読み込む。
func readIDs(stdin io.Reader, path string) ([]string, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open key file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var ids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, pool.ParseIDs(line)...)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return ids, nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
