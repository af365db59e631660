package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/lazypower/recall/internal/client"
	"github.com/lazypower/recall/internal/transcript"
	"github.com/spf13/cobra"
)

var (
	importSession string
	importUser    string
	importClose   bool
)

var importCmd = &cobra.Command{
	Use:   "import <transcript.jsonl>",
	Short: "Import a JSONL chat transcript as turns",
	Long: `Import a JSONL transcript (one {"type", "message"} object per line).
Each user message and the assistant reply after it becomes one turn.
The session ID defaults to the file name without its extension.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := importSession
		if sessionID == "" {
			base := filepath.Base(args[0])
			sessionID = strings.TrimSuffix(base, filepath.Ext(base))
		}
		return runImport(cmd.Context(), newClient(), args[0], sessionID, importUser, importClose, cmd.OutOrStdout())
	},
}

func init() {
	importCmd.Flags().StringVar(&importSession, "session", "", "session ID (default: file name)")
	importCmd.Flags().StringVarP(&importUser, "user", "u", "", "user ID for the session")
	importCmd.Flags().BoolVar(&importClose, "close", true, "close the session after import")
}

func runImport(ctx context.Context, c *client.Client, path, sessionID, userID string, closeAfter bool, out io.Writer) error {
	entries, err := transcript.ParseFile(path)
	if err != nil {
		return err
	}
	exchanges := transcript.Exchanges(entries)
	if len(exchanges) == 0 {
		fmt.Fprintf(out, "%s: no exchanges found\n", path)
		return nil
	}

	if _, err := c.StartSession(ctx, sessionID, userID); err != nil {
		return fmt.Errorf("start session %s: %w", sessionID, err)
	}
	for i, ex := range exchanges {
		_, err := c.RecordTurn(ctx, sessionID, client.TurnInput{
			UserText:     ex.UserText,
			ResponseText: ex.ResponseText,
		})
		if err != nil {
			return fmt.Errorf("record exchange %d: %w", i+1, err)
		}
	}
	fmt.Fprintf(out, "imported %d turns into %s\n", len(exchanges), sessionID)

	if closeAfter {
		if err := c.CloseSession(ctx, sessionID); err != nil {
			return fmt.Errorf("close session %s: %w", sessionID, err)
		}
	}
	return nil
}
