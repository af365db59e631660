// Package transcript reads JSONL chat transcripts for import.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

const maxLine = 1 << 20

// Role is the speaker of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one user or assistant message with its plain text.
type Entry struct {
	Role Role
	Text string
}

// line is the on-disk shape: {"type": ..., "message": {"role": ..., "content": ...}}.
// content is either a string or a list of typed blocks.
type line struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type block struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Injected harness notes are not part of what either side said.
var injectedRe = regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>`)

// ParseFile reads the transcript at path.
func ParseFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads JSONL from r. Malformed lines, other roles and entries
// with no text (tool calls and results only) are skipped.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			continue
		}

		role := Role(l.Message.Role)
		if role == "" {
			role = Role(l.Type)
		}
		if role != RoleUser && role != RoleAssistant {
			continue
		}

		text := strings.TrimSpace(injectedRe.ReplaceAllString(contentText(l.Message.Content), ""))
		if text == "" {
			continue
		}
		entries = append(entries, Entry{Role: role, Text: text})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return entries, nil
}

func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Exchange is one user message and the assistant reply that followed,
// the unit recorded as a turn.
type Exchange struct {
	UserText     string
	ResponseText string
}

// Exchanges pairs entries into user/assistant exchanges. Consecutive
// user entries are joined, as are consecutive assistant entries. A user
// message with no reply, and any reply before the first user message,
// is dropped.
func Exchanges(entries []Entry) []Exchange {
	var (
		out       []Exchange
		user      []string
		responses []string
	)
	flush := func() {
		if len(user) > 0 && len(responses) > 0 {
			out = append(out, Exchange{
				UserText:     strings.Join(user, "\n\n"),
				ResponseText: strings.Join(responses, "\n\n"),
			})
		}
		user, responses = nil, nil
	}

	for _, e := range entries {
		switch e.Role {
		case RoleUser:
			if len(responses) > 0 {
				flush()
			}
			user = append(user, e.Text)
		case RoleAssistant:
			if len(user) > 0 {
				responses = append(responses, e.Text)
			}
		}
	}
	flush()
	return out
}
