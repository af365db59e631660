package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lazypower/recall/internal/client"
	"github.com/lazypower/recall/internal/engine"
	"github.com/spf13/cobra"
)

const requestTimeout = 30 * time.Second

func newClient() *client.Client {
	return client.New(serverURL)
}

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

// --- record command ---

var (
	recordUser      string
	recordResponse  string
	recordImportant bool
)

var recordCmd = &cobra.Command{
	Use:   "record <session> <user text>",
	Short: "Record a turn",
	Long:  "Record one user/response exchange in a session. The session is created on its first turn.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		id, err := newClient().RecordTurn(ctx, args[0], client.TurnInput{
			UserID:       recordUser,
			UserText:     strings.Join(args[1:], " "),
			ResponseText: recordResponse,
			Important:    recordImportant,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

// --- context command ---

var (
	contextScope     string
	contextMaxTokens int
	contextJSON      bool
)

var contextCmd = &cobra.Command{
	Use:   "context <session> [query]",
	Short: "Print the packed context for a session",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := engine.ParseScope(contextScope); err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		out, err := newClient().Context(ctx, args[0], client.ContextQuery{
			Query:     strings.Join(args[1:], " "),
			Scope:     contextScope,
			MaxTokens: contextMaxTokens,
			Markdown:  !contextJSON,
		})
		if err != nil {
			return err
		}
		if contextJSON {
			return printJSON(cmd.OutOrStdout(), out)
		}
		fmt.Fprintln(cmd.OutOrStdout(), out["context"])
		return nil
	},
}

// --- close command ---

var closeCmd = &cobra.Command{
	Use:   "close <session>",
	Short: "Close a session and queue it for compression",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		if err := newClient().CloseSession(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "closed %s\n", args[0])
		return nil
	},
}

// --- compress command ---

var compressLocal bool

var compressCmd = &cobra.Command{
	Use:   "compress <session>",
	Short: "Compress a closed session now",
	Long:  "Compress a closed session and print the report. With --local the database is opened directly; use it only while no server is running.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if compressLocal {
			return runCompressLocal(cmd, args[0])
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
		defer cancel()
		report, err := newClient().Compress(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

func runCompressLocal(cmd *cobra.Command, sessionID string) error {
	_, cfg, err := loadConfig("")
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	eng, err := engine.New(db, cfg, engine.Options{Logger: newLogger(cfg.Log, cmd.ErrOrStderr())})
	if err != nil {
		return err
	}
	report, err := eng.Compressor().CompressSession(cmd.Context(), sessionID)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), report)
}

// --- resurface command ---

var resurfaceCmd = &cobra.Command{
	Use:   "resurface <turn> <session>",
	Short: "Copy a stored turn into an active session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		id, err := newClient().Resurface(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

// --- stats command ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store and index statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		stats, err := newClient().Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), stats)
	},
}

func init() {
	recordCmd.Flags().StringVarP(&recordResponse, "response", "r", "", "response text (required)")
	recordCmd.Flags().StringVarP(&recordUser, "user", "u", "", "user ID for a new session")
	recordCmd.Flags().BoolVar(&recordImportant, "important", false, "mark the turn important")
	recordCmd.MarkFlagRequired("response")

	contextCmd.Flags().StringVarP(&contextScope, "scope", "s", "", "hot, warm, cold or all (default all)")
	contextCmd.Flags().IntVarP(&contextMaxTokens, "max-tokens", "n", 0, "token budget (default from config)")
	contextCmd.Flags().BoolVar(&contextJSON, "json", false, "print the raw item list")

	compressCmd.Flags().BoolVar(&compressLocal, "local", false, "open the database directly instead of calling the server")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
