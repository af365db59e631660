// Package pack selects ranked items into a token budget.
package pack

import (
	"sort"
	"time"
	"unicode/utf8"
)

// Placeholder stands in for a response dropped by partial inclusion.
const Placeholder = "[response omitted]"

// EstimateTokens approximates the token count of text at four
// characters per token. Non-empty text costs at least one token.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// PartialCost is the cost of including a turn as its user text plus
// the placeholder.
func PartialCost(userTokens int) int {
	return userTokens + EstimateTokens(Placeholder)
}

// Item is a ranked candidate with its inclusion costs. PartialTokens
// is zero for items with no partial form.
type Item struct {
	ID            string
	CreatedAt     time.Time
	WholeTokens   int
	PartialTokens int
}

// Selection is an item chosen for the context.
type Selection struct {
	Item
	Partial bool
	Tokens  int
}

// Result holds the selections in chronological order.
type Result struct {
	Selected    []Selection
	TotalTokens int
}

// Pack walks ranked (highest first) and takes each item whole if it
// fits in the remaining budget, otherwise partially if that fits,
// otherwise stops. It never skips past an item that does not fit.
// TotalTokens never exceeds maxTokens.
func Pack(ranked []Item, maxTokens int) Result {
	var res Result
	if maxTokens <= 0 {
		return res
	}

	remaining := maxTokens
walk:
	for _, it := range ranked {
		switch {
		case it.WholeTokens <= remaining:
			res.Selected = append(res.Selected, Selection{Item: it, Tokens: it.WholeTokens})
			remaining -= it.WholeTokens
		case it.PartialTokens > 0 && it.PartialTokens <= remaining:
			res.Selected = append(res.Selected, Selection{Item: it, Partial: true, Tokens: it.PartialTokens})
			remaining -= it.PartialTokens
		default:
			break walk
		}
	}

	for _, s := range res.Selected {
		res.TotalTokens += s.Tokens
	}
	sort.SliceStable(res.Selected, func(i, j int) bool {
		a, b := res.Selected[i], res.Selected[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return res
}
