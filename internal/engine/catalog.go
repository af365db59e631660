package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/lazypower/recall/internal/store"
)

type kind uint8

const (
	kindTurn kind = iota
	kindSummary
)

// entry is the retrieval metadata for one turn or summary. Texts stay
// in the log and are fetched only for packed items.
type entry struct {
	id        string
	kind      kind
	sessionID string
	userID    string
	createdAt time.Time
	important bool

	// turns
	tier           store.Tier
	summaryID      string
	userTokens     int
	responseTokens int

	// summaries
	tokens int
}

// eligible reports whether the entry may be packed. A cold turn with a
// summary is represented by that summary instead.
func (en *entry) eligible() bool {
	if en.kind == kindSummary {
		return true
	}
	return en.tier != store.TierCold || en.summaryID == ""
}

func (en *entry) wholeTokens() int {
	if en.kind == kindSummary {
		return en.tokens
	}
	return en.userTokens + en.responseTokens
}

type sessionInfo struct {
	userID string
	active bool
}

// catalog is the engine's in-memory view of every turn and summary.
// Entries are also grouped by session and by user so a scope only walks
// its own entries.
type catalog struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	bySession map[string]map[string]*entry
	byUser    map[string]map[string]*entry
	sessions  map[string]sessionInfo
}

func newCatalog() *catalog {
	return &catalog{
		entries:   make(map[string]*entry),
		bySession: make(map[string]map[string]*entry),
		byUser:    make(map[string]map[string]*entry),
		sessions:  make(map[string]sessionInfo),
	}
}

// putLocked stores en, replacing any entry with the same ID.
func (c *catalog) putLocked(en *entry) {
	c.removeLocked(en.id)
	c.entries[en.id] = en
	addGroup(c.bySession, en.sessionID, en)
	addGroup(c.byUser, en.userID, en)
}

func (c *catalog) removeLocked(id string) {
	en, ok := c.entries[id]
	if !ok {
		return
	}
	delete(c.entries, id)
	dropGroup(c.bySession, en.sessionID, id)
	dropGroup(c.byUser, en.userID, id)
}

func addGroup(groups map[string]map[string]*entry, key string, en *entry) {
	g, ok := groups[key]
	if !ok {
		g = make(map[string]*entry)
		groups[key] = g
	}
	g[en.id] = en
}

func dropGroup(groups map[string]map[string]*entry, key, id string) {
	g := groups[key]
	delete(g, id)
	if len(g) == 0 {
		delete(groups, key)
	}
}

func (c *catalog) putSession(s *store.Session) {
	c.mu.Lock()
	c.sessions[s.ID] = sessionInfo{userID: s.UserID, active: s.Active()}
	c.mu.Unlock()
}

func (c *catalog) session(id string) (sessionInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	return s, ok
}

func (c *catalog) putTurn(t *store.Turn, userID string) {
	c.mu.Lock()
	c.putLocked(&entry{
		id:             t.ID,
		kind:           kindTurn,
		sessionID:      t.SessionID,
		userID:         userID,
		createdAt:      t.CreatedAt,
		important:      t.Important,
		tier:           t.Tier,
		summaryID:      t.SummaryID,
		userTokens:     t.UserTokens,
		responseTokens: t.ResponseTokens,
	})
	c.mu.Unlock()
}

func (c *catalog) putSummary(s *store.Summary, userID string) {
	c.mu.Lock()
	c.putLocked(&entry{
		id:        s.ID,
		kind:      kindSummary,
		sessionID: s.SessionID,
		userID:    userID,
		createdAt: s.CreatedAt,
		tokens:    s.Tokens,
	})
	c.mu.Unlock()
}

// migrate records a tier change. It returns false for unknown turns.
func (c *catalog) migrate(id string, tier store.Tier, summaryID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	en, ok := c.entries[id]
	if !ok || en.kind != kindTurn {
		return false
	}
	en.tier = tier
	en.summaryID = summaryID
	return true
}

func (c *catalog) get(id string) (entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	en, ok := c.entries[id]
	if !ok {
		return entry{}, false
	}
	return *en, true
}

func (c *catalog) remove(id string) {
	c.mu.Lock()
	c.removeLocked(id)
	c.mu.Unlock()
}

// indexed reports whether id should have postings in the term index.
func (c *catalog) indexed(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	en, ok := c.entries[id]
	return ok && en.eligible()
}

func (c *catalog) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// candidates returns copies of the eligible entries in scope. When
// more than limit match, the newest limit are kept plus every
// important entry.
func (c *catalog) candidates(scope Scope, sessionID, userID string, limit int) []entry {
	c.mu.RLock()
	group := c.byUser[userID]
	if scope == ScopeHot {
		group = c.bySession[sessionID]
	}
	var out []entry
	for _, en := range group {
		if !en.eligible() || !inScope(en, scope, sessionID, userID) {
			continue
		}
		out = append(out, *en)
	}
	c.mu.RUnlock()

	if limit <= 0 || len(out) <= limit {
		return out
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].createdAt.After(out[j].createdAt)
		}
		return out[i].id > out[j].id
	})
	kept := make([]entry, limit, limit+8)
	copy(kept, out[:limit])
	for _, en := range out[limit:] {
		if en.important {
			kept = append(kept, en)
		}
	}
	return kept
}

func inScope(en *entry, scope Scope, sessionID, userID string) bool {
	switch scope {
	case ScopeHot:
		return en.kind == kindTurn && en.tier == store.TierHot && en.sessionID == sessionID
	case ScopeWarm:
		return en.kind == kindTurn && en.tier == store.TierWarm && en.userID == userID
	case ScopeCold:
		return en.userID == userID && (en.kind == kindSummary || en.tier == store.TierCold)
	default:
		return en.userID == userID
	}
}
