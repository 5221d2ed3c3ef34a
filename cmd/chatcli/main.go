// Command chatcli is a terminal chat client. Messages show up as soon as
// they are typed and are reconciled when the server confirms them.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lalith-99/hackerchat/internal/client"
	"github.com/lalith-99/hackerchat/internal/models"
	"github.com/lalith-99/hackerchat/internal/observ"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serverURL    string
	token        string
	userID       string
	channelID    string
	awayAfter    time.Duration
	signOutAfter time.Duration
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "chatcli",
	Short: "Terminal client for HackerChat",
	Long: `Connects to a HackerChat server over websocket and reads commands
from stdin. Plain lines are sent to the current channel; type /help for
the rest.`,
	RunE: runChat,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().StringVar(&serverURL, "url", "ws://localhost:8081/ws", "websocket endpoint")
	rootCmd.Flags().StringVar(&token, "token", os.Getenv("HACKERCHAT_TOKEN"), "bearer token (default $HACKERCHAT_TOKEN)")
	rootCmd.Flags().StringVar(&userID, "user", "", "your user id")
	rootCmd.Flags().StringVar(&channelID, "channel", "", "channel to open first")
	rootCmd.Flags().DurationVar(&awayAfter, "away-after", 5*time.Minute, "idle time before going away")
	rootCmd.Flags().DurationVar(&signOutAfter, "sign-out-after", 30*time.Minute, "further idle time before signing out")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log connection events")
	_ = rootCmd.MarkFlagRequired("user")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	if token == "" {
		return fmt.Errorf("a token is required (--token or HACKERCHAT_TOKEN)")
	}
	level := "error"
	if verbose {
		level = "info"
	}
	logger, err := observ.NewLogger("development", level, "chatcli")
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := client.NewStore(userID)
	if err := loadSnapshot(ctx, store); err != nil {
		logger.Warn("initial load failed, continuing with live events only", zap.Error(err))
	}
	sess := client.NewSession(client.SessionConfig{URL: serverURL, Token: token}, store, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sessErr := make(chan error, 1)
	go func() { sessErr <- sess.Run(ctx) }()

	out := cmd.OutOrStdout()
	r := &repl{sess: sess, out: out, channel: channelID}
	go r.render(ctx)

	idle := client.NewIdleTracker(client.IdleConfig{AwayAfter: awayAfter, SignOutAfter: signOutAfter})
	go idle.Run(ctx, time.Second, func(a client.IdleAction) {
		switch a {
		case client.IdleAway:
			_ = sess.SetStatus(ctx, models.StatusAway)
		case client.IdleSignOut:
			fmt.Fprintln(out, "signed out after being idle")
			cancel()
		}
	})

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(cmd.InOrStdin())
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return <-sessErr
		case err := <-sessErr:
			return err
		case line, ok := <-lines:
			if !ok {
				lines = nil
				cancel()
				continue
			}
			if idle.Activity() == client.IdleBack {
				_ = sess.SetStatus(ctx, models.StatusOnline)
			}
			if quit := r.handle(ctx, line); quit {
				cancel()
			}
		}
	}
}

// loadSnapshot fills store with the channel list and the latest page of
// the starting channel over HTTP.
func loadSnapshot(ctx context.Context, store *client.Store) error {
	base, err := httpBase(serverURL)
	if err != nil {
		return err
	}
	var channels []models.Channel
	if err := getJSON(ctx, base+"/v1/channels", &channels); err != nil {
		return err
	}
	history := map[string][]models.Message{}
	if channelID != "" {
		var msgs []models.Message
		if err := getJSON(ctx, base+"/v1/channels/"+url.PathEscape(channelID)+"/messages", &msgs); err != nil {
			return err
		}
		history[channelID] = msgs
	}
	store.Load(channels, history)
	return nil
}

// httpBase turns ws://host/ws into http://host.
func httpBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

func getJSON(ctx context.Context, target string, v any) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 15 * time.Second
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("GET %s: %s", target, resp.Status)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("GET %s: %s", target, resp.Status))
		}
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
