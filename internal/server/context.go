package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/recall/internal/engine"
)

const timeFormat = time.RFC3339

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := engine.RetrieveRequest{
		SessionID: chi.URLParam(r, "sessionID"),
		Query:     q.Get("q"),
		Scope:     engine.Scope(q.Get("scope")),
	}
	if raw := q.Get("max_tokens"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, "max_tokens must be an integer")
			return
		}
		req.MaxTokens = n
	}

	out, err := s.engine.RetrieveContext(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if q.Get("format") == "markdown" {
		writeJSON(w, http.StatusOK, map[string]any{
			"context":      renderContext(out),
			"total_tokens": out.TotalTokens,
		})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// renderContext formats a packed context as a block a caller can paste
// into a prompt, oldest item first.
func renderContext(c *engine.Context) string {
	var b strings.Builder

	b.WriteString("<context>\n## Recall\n")
	if len(c.Items) == 0 {
		b.WriteString("\nNo relevant memory.\n")
	}

	for _, it := range c.Items {
		ts := it.CreatedAt.Format("2006-01-02 15:04")
		switch it.Kind {
		case engine.KindSummary:
			fmt.Fprintf(&b, "\n### [%s] summary\n%s\n", ts, it.Synopsis)
			if len(it.Keywords) > 0 {
				fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(it.Keywords, ", "))
			}
		default:
			label := string(it.Tier)
			if it.Important {
				label += ", important"
			}
			fmt.Fprintf(&b, "\n### [%s] %s\nUser: %s\nResponse: %s\n", ts, label, it.UserText, it.ResponseText)
		}
	}

	b.WriteString("</context>")
	return b.String()
}
