package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"annosync/internal/app"
	"annosync/internal/auth"
	"annosync/internal/export"
	"annosync/internal/history"
	"annosync/internal/mediator"
)

var (
	fetchCmd = &cobra.Command{
		Use:   "fetch [session-url]",
		Short: "Bootstrap a session and print a summary",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runFetch,
	}
	threadsCmd = &cobra.Command{
		Use:   "threads [session-url]",
		Short: "Print the comment threads of a session",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runThreads,
	}
	exportCmd = &cobra.Command{
		Use:   "export [session-url]",
		Short: "Write a thread report as HTML or PDF",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExport,
	}
	historyCmd = &cobra.Command{
		Use:   "history [session-url]",
		Short: "List recorded feed snapshots of a session",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
	pushCmd = &cobra.Command{
		Use:   "push [session-url]",
		Short: "Re-upload the full annotation feed of a session",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runPush,
	}
)

func init() {
	fetchCmd.Flags().Bool("json", false, "print the summary as JSON")
	threadsCmd.Flags().Bool("json", false, "print threads as JSON")
	exportCmd.Flags().StringP("format", "f", "html", "report format: html or pdf")
	exportCmd.Flags().StringP("output", "o", "", "output file (default: derived from the title)")
	exportCmd.Flags().String("title", "", "report title")
	exportCmd.Flags().String("author", "", "only include threads started by this user")
	historyCmd.Flags().Int("limit", 20, "number of snapshots to list")
}

// withSession opens the session named by args and hands its key to fn.
func withSession(cmd *cobra.Command, args []string, fn func(ctx context.Context, rt *runtime, key string) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := newRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	url, err := sessionURL(rt.cfg, args)
	if err != nil {
		return err
	}
	info, err := rt.service.Open(ctx, url)
	if err != nil {
		return err
	}
	return fn(ctx, rt, info.Key)
}

func runFetch(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	return withSession(cmd, args, func(ctx context.Context, rt *runtime, key string) error {
		info, err := rt.service.Session(ctx, key)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			return writeJSON(out, info)
		}
		fmt.Fprintf(out, "session:     %s\n", info.Key)
		fmt.Fprintf(out, "user:        %s (%s)\n", info.UserName, info.Permission)
		fmt.Fprintf(out, "enabled:     %t\n", info.Enabled)
		fmt.Fprintf(out, "pages:       %d\n", info.PageCount)
		fmt.Fprintf(out, "annotations: %d\n", info.Annotations)
		fmt.Fprintf(out, "realtime:    %t\n", info.Realtime)
		return nil
	})
}

func runThreads(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	return withSession(cmd, args, func(ctx context.Context, rt *runtime, key string) error {
		threads, err := rt.service.Threads(ctx, key)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			return writeJSON(out, threads)
		}
		printThreads(out, threads)
		return nil
	})
}

func printThreads(out io.Writer, threads []app.ThreadView) {
	page := -1
	for _, th := range threads {
		if th.Root.Page != page {
			page = th.Root.Page
			fmt.Fprintf(out, "Page %d\n", page+1)
		}
		fmt.Fprintf(out, "  [%s] %s %s: %s\n", th.Root.ID, th.Root.Kind, th.Root.Author, oneLine(th.Root.Contents))
		for _, reply := range th.Replies {
			fmt.Fprintf(out, "      %s: %s\n", reply.Author, oneLine(reply.Contents))
		}
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func runExport(cmd *cobra.Command, args []string) error {
	formatFlag, _ := cmd.Flags().GetString("format")
	output, _ := cmd.Flags().GetString("output")
	title, _ := cmd.Flags().GetString("title")
	author, _ := cmd.Flags().GetString("author")
	format, err := export.ParseFormat(formatFlag)
	if err != nil {
		return fmt.Errorf("%w: %q", err, formatFlag)
	}

	return withSession(cmd, args, func(ctx context.Context, rt *runtime, key string) error {
		result, err := rt.service.Export(ctx, key, export.Request{Title: title, Format: format, Author: author})
		if err != nil {
			return err
		}
		if output == "" {
			output = result.Filename
		}
		if output == "-" {
			_, err := cmd.OutOrStdout().Write(result.Data)
			return err
		}
		if err := os.WriteFile(output, result.Data, 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%d bytes)\n", output, len(result.Data))
		return nil
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	url, err := sessionURL(cfg, args)
	if err != nil {
		return err
	}
	commits, err := history.New(cfg.HistoryDir).History(history.Key(url), limit)
	if errors.Is(err, history.ErrNoHistory) {
		fmt.Fprintln(cmd.OutOrStdout(), "no snapshots recorded")
		return nil
	}
	if err != nil {
		return err
	}
	for _, c := range commits {
		fmt.Fprintf(cmd.OutOrStdout(), "%.8s  %s  %-20s %s\n", c.Hash, c.CreatedAt.Format("2006-01-02 15:04:05"), c.Author, c.Message)
	}
	return nil
}

func runPush(cmd *cobra.Command, args []string) error {
	return withSession(cmd, args, func(ctx context.Context, rt *runtime, key string) error {
		info, err := rt.service.Upload(ctx, key)
		if errors.Is(err, mediator.ErrPermissionDenied) {
			return fmt.Errorf("session is read-only: %w", err)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d annotations\n", info.Annotations)
		return nil
	})
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var tokenCmd = &cobra.Command{
	Use:   "token [session-url]",
	Short: "Issue a viewer bridge access token",
	Long: `token prints a bearer token for the serve API, signed with
ANNOSYNC_TOKEN_SECRET. Without a session url the token covers every session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().String("client", "viewer", "name recorded in the token")
}

func runToken(cmd *cobra.Command, args []string) error {
	ttl, _ := cmd.Flags().GetDuration("ttl")
	client, _ := cmd.Flags().GetString("client")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.TokenSecret == "" {
		return errors.New("ANNOSYNC_TOKEN_SECRET is not set")
	}
	scope := auth.AllSessions
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		scope = history.Key(strings.TrimSpace(args[0]))
	}
	token, err := auth.Issue([]byte(cfg.TokenSecret), scope, client, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
