// Command create-bot provisions a bot user (id bot_<snake_name>, status
// online) and can print a signed token for it.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/lalith-99/hackerchat/internal/auth"
	"github.com/lalith-99/hackerchat/internal/config"
	"github.com/lalith-99/hackerchat/internal/db"
	"github.com/lalith-99/hackerchat/internal/observ"
	"github.com/lalith-99/hackerchat/internal/repository/postgres"
	"github.com/spf13/cobra"
)

var (
	printToken bool
	tokenTTL   time.Duration
	avatar     string
)

var rootCmd = &cobra.Command{
	Use:   "create-bot NAME",
	Short: "Create a bot user in the chat database",
	Long: `Create a bot user whose id is derived from NAME ("Help Desk" becomes
bot_help_desk). Existing bots are left untouched. DATABASE_URL must point
at the chat database.`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().BoolVar(&printToken, "token", false, "print a signed token for the bot")
	rootCmd.Flags().DurationVar(&tokenTTL, "ttl", 365*24*time.Hour, "lifetime of the printed token")
	rootCmd.Flags().StringVar(&avatar, "avatar", "", "avatar url")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}
	logger, err := observ.NewLogger(cfg.Env, "warn", "create-bot")
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	database, err := db.New(ctx, db.Options{URL: cfg.DatabaseURL, MaxConns: 2, MinConns: 1}, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	name := args[0]
	id := auth.BotID(name)
	user, created, err := postgres.NewUserStore(database.Pool()).EnsureBot(ctx, id, name, avatar)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	out := cmd.OutOrStdout()
	if created {
		fmt.Fprintf(out, "Created bot user %q with ID: %s\n", user.Name, user.ID)
	} else {
		fmt.Fprintf(out, "Bot user %q already exists with ID: %s\n", user.Name, user.ID)
	}

	if printToken {
		token, err := auth.GenerateToken(user.ID, user.Name, user.Avatar, cfg.JWTAudience, cfg.JWTSecret, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, token)
	}
	return nil
}
