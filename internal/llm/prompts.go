package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

const summarySystem = `You compress one exchange from a long-running conversation into a short memory record.
The record replaces the original text in future context, so keep every concrete fact
(names, numbers, decisions, commitments) and drop pleasantries.`

// SummaryPrompt builds the request that turns one user/response pair
// into a synopsis and keyword set.
func SummaryPrompt(userText, responseText string) Request {
	return Request{
		System: summarySystem,
		Prompt: fmt.Sprintf(`USER:
%s

RESPONSE:
%s

Rules:
- synopsis: one or two sentences, at most 60 words
- keywords: 3 to 8 lowercase single words a later search would use to find this exchange
- Return ONLY a JSON object, no other text

Return:
{"synopsis": "...", "keywords": ["...", "..."]}`, userText, responseText),
		MaxTokens: 256,
		JSON:      true,
	}
}

// SummaryReply is the decoded model answer to SummaryPrompt.
type SummaryReply struct {
	Synopsis string   `json:"synopsis"`
	Keywords []string `json:"keywords"`
}

// ParseSummary extracts a SummaryReply from model output. The output
// may be wrapped in markdown fences or surrounding prose.
func ParseSummary(content string) (*SummaryReply, error) {
	content = strings.TrimSpace(content)

	// Strip markdown code fences if present
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) > 2 {
			content = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	var reply SummaryReply
	if err := json.Unmarshal([]byte(content[start:end+1]), &reply); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	reply.Synopsis = strings.TrimSpace(reply.Synopsis)
	if reply.Synopsis == "" {
		return nil, fmt.Errorf("summary has empty synopsis")
	}

	kept := reply.Keywords[:0]
	for _, k := range reply.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			kept = append(kept, k)
		}
	}
	reply.Keywords = kept
	return &reply, nil
}
