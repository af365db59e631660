package store

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func seedSession(t *testing.T, db *DB, id string) {
	t.Helper()
	if _, err := db.CreateSession(id, "alice", t0); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

func appendTurn(t *testing.T, db *DB, sessionID string, seq int64, user, resp string) Turn {
	t.Helper()
	turn := Turn{
		ID:             fmt.Sprintf("%s-%03d", sessionID, seq),
		SessionID:      sessionID,
		Seq:            seq,
		UserText:       user,
		ResponseText:   resp,
		UserTokens:     len(user)/4 + 1,
		ResponseTokens: len(resp)/4 + 1,
		CreatedAt:      t0.Add(time.Duration(seq) * time.Minute),
	}
	if _, err := db.Append(turn); err != nil {
		t.Fatalf("Append seq %d: %v", seq, err)
	}
	return turn
}

func TestAppendAndGet(t *testing.T) {
	db := testDB(t)
	seedSession(t, db, "s1")

	in := appendTurn(t, db, "s1", 1, "where do I keep my keys?", "In the blue bowl by the door.")

	got, err := db.Get(in.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserText != in.UserText || got.ResponseText != in.ResponseText {
		t.Errorf("text = %q / %q", got.UserText, got.ResponseText)
	}
	if got.Tier != TierHot {
		t.Errorf("Tier = %s, want hot", got.Tier)
	}
	if !got.CreatedAt.Equal(in.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, in.CreatedAt)
	}

	s, _ := db.GetSession("s1")
	if s.TokenTotal != in.UserTokens+in.ResponseTokens {
		t.Errorf("TokenTotal = %d, want %d", s.TokenTotal, in.UserTokens+in.ResponseTokens)
	}
	if !s.LastActivity.Equal(in.CreatedAt) {
		t.Errorf("LastActivity = %v, want %v", s.LastActivity, in.CreatedAt)
	}
}

func TestAppendValidation(t *testing.T) {
	db := testDB(t)
	seedSession(t, db, "s1")
	appendTurn(t, db, "s1", 2, "hello", "hi")

	cases := []struct {
		name string
		turn Turn
	}{
		{"empty user text", Turn{ID: "x1", SessionID: "s1", Seq: 3, UserText: "  ", ResponseText: "ok"}},
		{"empty response", Turn{ID: "x2", SessionID: "s1", Seq: 3, UserText: "ok", ResponseText: ""}},
		{"repeated seq", Turn{ID: "x3", SessionID: "s1", Seq: 2, UserText: "ok", ResponseText: "ok"}},
		{"decreasing seq", Turn{ID: "x4", SessionID: "s1", Seq: 1, UserText: "ok", ResponseText: "ok"}},
		{"not hot", Turn{ID: "x5", SessionID: "s1", Seq: 3, UserText: "ok", ResponseText: "ok", Tier: TierWarm}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := db.Append(tc.turn)
			if !IsValidation(err) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if _, err := db.Get(tc.turn.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("rejected turn was persisted")
			}
		})
	}
}

func TestAppendClosedOrMissingSession(t *testing.T) {
	db := testDB(t)
	seedSession(t, db, "s1")
	db.EndSession("s1", t0)

	_, err := db.Append(Turn{ID: "a", SessionID: "s1", Seq: 1, UserText: "u", ResponseText: "r"})
	if !IsValidation(err) {
		t.Errorf("closed session err = %v, want ValidationError", err)
	}

	_, err = db.Append(Turn{ID: "b", SessionID: "ghost", Seq: 1, UserText: "u", ResponseText: "r"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing session err = %v, want ErrNotFound", err)
	}
}

func TestNextSeq(t *testing.T) {
	db := testDB(t)
	seedSession(t, db, "s1")

	if n, _ := db.NextSeq("s1"); n != 1 {
		t.Errorf("NextSeq empty = %d, want 1", n)
	}
	appendTurn(t, db, "s1", 5, "u", "r")
	if n, _ := db.NextSeq("s1"); n != 6 {
		t.Errorf("NextSeq = %d, want 6", n)
	}
}

func TestListBySession(t *testing.T) {
	db := testDB(t)
	seedSession(t, db, "s1")
	for i := int64(1); i <= 4; i++ {
		appendTurn(t, db, "s1", i, "user", "resp")
	}
	if _, err := db.MigrateTier("s1-001", TierWarm, nil); err != nil {
		t.Fatalf("MigrateTier: %v", err)
	}

	all, err := db.ListBySession("s1")
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len = %d, want 4", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Seq <= all[i].Seq {
			t.Errorf("not newest-first at %d: %d then %d", i, all[i-1].Seq, all[i].Seq)
		}
	}

	hot, err := db.ListBySession("s1", TierHot)
	if err != nil {
		t.Fatalf("ListBySession hot: %v", err)
	}
	if len(hot) != 3 {
		t.Errorf("hot len = %d, want 3", len(hot))
	}

	warm, _ := db.ListBySession("s1", TierWarm, TierCold)
	if len(warm) != 1 || warm[0].ID != "s1-001" {
		t.Errorf("warm = %+v", warm)
	}

	if _, err := db.ListBySession("s1", Tier("tepid")); !IsValidation(err) {
		t.Errorf("bad tier err = %v, want ValidationError", err)
	}
}

func TestMigrateTierForwardOnly(t *testing.T) {
	db := testDB(t)
	seedSession(t, db, "s1")
	turn := appendTurn(t, db, "s1", 1, "user", "resp")

	if _, err := db.MigrateTier(turn.ID, TierWarm, nil); err != nil {
		t.Fatalf("hot->warm: %v", err)
	}
	if _, err := db.MigrateTier(turn.ID, TierWarm, nil); err != nil {
		t.Errorf("warm->warm should be a no-op, got %v", err)
	}
	if _, err := db.MigrateTier(turn.ID, TierHot, nil); !IsValidation(err) {
		t.Errorf("warm->hot err = %v, want ValidationError", err)
	}
	if _, err := db.MigrateTier("missing", TierWarm, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing turn err = %v, want ErrNotFound", err)
	}
}

func TestMigrateColdArchivesVerbatim(t *testing.T) {
	db := testDB(t)
	seedSession(t, db, "s1")
	turn := appendTurn(t, db, "s1", 1, "my daughter's name is Ada", "Noted: Ada.")

	moved, err := db.MigrateTier(turn.ID, TierCold, nil)
	if err != nil {
		t.Fatalf("MigrateTier cold: %v", err)
	}
	if moved.Tier != TierCold {
		t.Errorf("Tier = %s, want cold", moved.Tier)
	}

	var plain *string
	if err := db.QueryRow(`SELECT user_text FROM turns WHERE id = ?`, turn.ID).Scan(&plain); err != nil {
		t.Fatalf("query: %v", err)
	}
	if plain != nil {
		t.Errorf("plaintext column still set: %q", *plain)
	}

	got, err := db.Get(turn.ID)
	if err != nil {
		t.Fatalf("Get cold: %v", err)
	}
	if got.UserText != turn.UserText || got.ResponseText != turn.ResponseText {
		t.Errorf("archived text = %q / %q", got.UserText, got.ResponseText)
	}
}

func TestArchiveDigestMismatch(t *testing.T) {
	db := testDB(t)
	seedSession(t, db, "s1")
	turn := appendTurn(t, db, "s1", 1, "user", "resp")
	if _, err := db.MigrateTier(turn.ID, TierCold, nil); err != nil {
		t.Fatalf("MigrateTier: %v", err)
	}

	if _, err := db.Exec(`UPDATE turns SET archive_digest = ? WHERE id = ?`, make([]byte, 32), turn.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := db.Get(turn.ID); err == nil {
		t.Error("expected digest mismatch error, got nil")
	}
}

func TestMigrateWithSummary(t *testing.T) {
	db := testDB(t)
	seedSession(t, db, "s1")
	turn := appendTurn(t, db, "s1", 1, "we talked about gardening", "tomatoes need sun")
	db.MigrateTier(turn.ID, TierWarm, nil)

	sum := &Summary{
		ID:            "sum-1",
		SessionID:     "s1",
		SourceTurnIDs: []string{turn.ID},
		Synopsis:      "gardening: tomatoes need sun",
		Keywords:      []string{"gardening", "tomatoes"},
		Tokens:        8,
		CreatedAt:     t0,
	}
	moved, err := db.MigrateTier(turn.ID, TierCold, sum)
	if err != nil {
		t.Fatalf("MigrateTier: %v", err)
	}
	if moved.SummaryID != "sum-1" {
		t.Errorf("SummaryID = %q, want sum-1", moved.SummaryID)
	}

	got, err := db.GetSummary("sum-1")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if got.Synopsis != sum.Synopsis || len(got.Keywords) != 2 || got.SourceTurnIDs[0] != turn.ID {
		t.Errorf("summary = %+v", got)
	}

	list, _ := db.ListSummaries("s1")
	if len(list) != 1 {
		t.Errorf("ListSummaries len = %d, want 1", len(list))
	}
	batch, _ := db.GetSummaries([]string{"sum-1", "nope"})
	if len(batch) != 1 {
		t.Errorf("GetSummaries len = %d, want 1", len(batch))
	}
}

func TestImportantTurnRejectsSummary(t *testing.T) {
	db := testDB(t)
	seedSession(t, db, "s1")
	turn := Turn{ID: "imp", SessionID: "s1", Seq: 1, UserText: "allergic to penicillin", ResponseText: "noted",
		UserTokens: 5, ResponseTokens: 1, CreatedAt: t0, Important: true}
	if _, err := db.Append(turn); err != nil {
		t.Fatalf("Append: %v", err)
	}

	sum := &Summary{ID: "sum-x", SessionID: "s1", SourceTurnIDs: []string{"imp"}, Synopsis: "allergy", CreatedAt: t0}
	if _, err := db.MigrateTier("imp", TierCold, sum); !IsValidation(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if _, err := db.GetSummary("sum-x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("summary persisted despite rejected migration")
	}

	got, _ := db.Get("imp")
	if got.Tier != TierHot || !got.Important {
		t.Errorf("turn changed after rejected migration: %+v", got)
	}
}

func TestGetTurnsBatch(t *testing.T) {
	db := testDB(t)
	seedSession(t, db, "s1")
	a := appendTurn(t, db, "s1", 1, "alpha", "one")
	b := appendTurn(t, db, "s1", 2, "beta", "two")
	db.MigrateTier(b.ID, TierCold, nil)

	got, err := db.GetTurns([]string{a.ID, b.ID, "missing"})
	if err != nil {
		t.Fatalf("GetTurns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[b.ID].UserText != "beta" {
		t.Errorf("cold turn text = %q, want beta", got[b.ID].UserText)
	}
}

func TestScanTurnsPaging(t *testing.T) {
	db := testDB(t)
	seedSession(t, db, "s1")
	for i := int64(1); i <= 7; i++ {
		appendTurn(t, db, "s1", i, "u", "r")
	}

	var seen []string
	after := ""
	for {
		page, err := db.ScanTurns(after, 3)
		if err != nil {
			t.Fatalf("ScanTurns: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, turn := range page {
			seen = append(seen, turn.ID)
		}
		after = page[len(page)-1].ID
	}
	if len(seen) != 7 || seen[0] != "s1-001" || seen[6] != "s1-007" {
		t.Errorf("scanned = %v", seen)
	}
}

func TestAgingCandidates(t *testing.T) {
	db := testDB(t)
	seedSession(t, db, "s1")
	for i := int64(1); i <= 5; i++ {
		appendTurn(t, db, "s1", i, "u", "r")
	}

	// Keep newest 3; nothing is older than the cutoff.
	ids, err := db.AgingCandidates("s1", 3, t0)
	if err != nil {
		t.Fatalf("AgingCandidates: %v", err)
	}
	if len(ids) != 2 || ids[0] != "s1-001" || ids[1] != "s1-002" {
		t.Errorf("window overflow = %v", ids)
	}

	// Age cutoff after turn 4 was created pulls turns 1-3 regardless of window.
	ids, _ = db.AgingCandidates("s1", 10, t0.Add(4*time.Minute))
	if len(ids) != 3 {
		t.Errorf("age overflow = %v, want 3 ids", ids)
	}
}

func TestPendingCompression(t *testing.T) {
	db := testDB(t)
	seedSession(t, db, "s1")
	appendTurn(t, db, "s1", 1, "u", "r")

	ids, _ := db.PendingCompression()
	if len(ids) != 0 {
		t.Errorf("active session listed: %v", ids)
	}

	db.EndSession("s1", t0.Add(time.Hour))
	ids, _ = db.PendingCompression()
	if len(ids) != 1 || ids[0] != "s1" {
		t.Errorf("pending = %v, want [s1]", ids)
	}

	db.MigrateTier("s1-001", TierCold, nil)
	ids, _ = db.PendingCompression()
	if len(ids) != 0 {
		t.Errorf("pending after cold = %v", ids)
	}

	hot, _ := db.SessionsWithTier(TierHot)
	if len(hot) != 0 {
		t.Errorf("SessionsWithTier(hot) = %v", hot)
	}
}

func TestFailuresAndStats(t *testing.T) {
	db := testDB(t)
	seedSession(t, db, "s1")
	appendTurn(t, db, "s1", 1, "u", "r")
	appendTurn(t, db, "s1", 2, "u", "r")
	db.MigrateTier("s1-002", TierWarm, nil)

	if err := db.RecordFailure("s1", "s1-002", "summarizer timed out", t0); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	fails, err := db.ListFailures("s1")
	if err != nil {
		t.Fatalf("ListFailures: %v", err)
	}
	if len(fails) != 1 || fails[0].TurnID != "s1-002" {
		t.Errorf("failures = %+v", fails)
	}

	st, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Sessions != 1 || st.ActiveSessions != 1 || st.Failures != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.TurnsByTier[TierHot] != 1 || st.TurnsByTier[TierWarm] != 1 || st.TurnsByTier[TierCold] != 0 {
		t.Errorf("tiers = %v", st.TurnsByTier)
	}
}
