package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/lazypower/recall/internal/engine"
)

func TestSessionInit(t *testing.T) {
	env := testServer(t)

	w := env.do(t, "POST", "/api/sessions/init", `{"session_id":"test-001","user_id":"alice"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp map[string]any
	decode(t, w, &resp)
	if resp["session_id"] != "test-001" {
		t.Errorf("session_id = %v, want test-001", resp["session_id"])
	}
	if resp["user_id"] != "alice" || resp["active"] != true {
		t.Errorf("resp = %v", resp)
	}
}

func TestSessionInitInvalidJSON(t *testing.T) {
	env := testServer(t)

	w := env.do(t, "POST", "/api/sessions/init", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestRecordAndGetTurn(t *testing.T) {
	env := testServer(t)

	w := env.do(t, "POST", "/api/sessions/s1/turns",
		`{"user_text":"my locker number is 212","response_text":"Saved.","important":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var created map[string]string
	decode(t, w, &created)
	id := created["turn_id"]
	if id == "" {
		t.Fatal("missing turn_id")
	}

	w = env.do(t, "GET", "/api/turns/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var turn turnResponse
	decode(t, w, &turn)
	if turn.UserText != "my locker number is 212" || !turn.Important || turn.Tier != "hot" || turn.Seq != 1 {
		t.Errorf("turn = %+v", turn)
	}
}

func TestRecordTurnValidation(t *testing.T) {
	env := testServer(t)

	w := env.do(t, "POST", "/api/sessions/s1/turns", `{"user_text":"","response_text":"x"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	var body map[string]string
	decode(t, w, &body)
	if !strings.Contains(body["error"], "user_text") {
		t.Errorf("error = %q", body["error"])
	}
}

func TestGetTurnNotFound(t *testing.T) {
	env := testServer(t)

	w := env.do(t, "GET", "/api/turns/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestContextEndpoint(t *testing.T) {
	env := testServer(t)
	env.do(t, "POST", "/api/sessions/s1/turns", `{"user_text":"the wifi password is hunter2","response_text":"Noted."}`)
	env.do(t, "POST", "/api/sessions/s1/turns", `{"user_text":"what's for lunch","response_text":"Soup."}`)

	w := env.do(t, "GET", "/api/sessions/s1/context?q=wifi&max_tokens=500&scope=hot", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var out engine.Context
	decode(t, w, &out)
	if len(out.Items) != 2 || out.Scope != engine.ScopeHot {
		t.Fatalf("context = %+v", out)
	}
	if out.Items[0].UserText != "the wifi password is hunter2" {
		t.Errorf("items not oldest first: %+v", out.Items)
	}

	w = env.do(t, "GET", "/api/sessions/s1/context?q=wifi&format=markdown", "")
	var md map[string]any
	decode(t, w, &md)
	text, _ := md["context"].(string)
	if !strings.HasPrefix(text, "<context>") || !strings.Contains(text, "hunter2") {
		t.Errorf("markdown context = %q", text)
	}
}

func TestContextBadParams(t *testing.T) {
	env := testServer(t)
	env.do(t, "POST", "/api/sessions/s1/turns", `{"user_text":"a turn","response_text":"ok"}`)

	for _, path := range []string{
		"/api/sessions/s1/context?max_tokens=lots",
		"/api/sessions/s1/context?scope=tepid",
	} {
		if w := env.do(t, "GET", path, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, w.Code)
		}
	}
	if w := env.do(t, "GET", "/api/sessions/unknown/context", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown session: status = %d, want 404", w.Code)
	}
}

func TestCloseAndCompress(t *testing.T) {
	env := testServer(t)
	env.do(t, "POST", "/api/sessions/s1/turns", `{"user_text":"plain turn about kites","response_text":"ok"}`)
	env.do(t, "POST", "/api/sessions/s1/turns", `{"user_text":"my blood type is O negative","response_text":"Recorded.","important":true}`)

	// Still active.
	if w := env.do(t, "POST", "/api/sessions/s1/compress", ""); w.Code != http.StatusBadRequest {
		t.Errorf("compress active: status = %d, want 400", w.Code)
	}

	if w := env.do(t, "POST", "/api/sessions/s1/close", ""); w.Code != http.StatusAccepted {
		t.Fatalf("close status = %d", w.Code)
	}

	w := env.do(t, "POST", "/api/sessions/s1/compress", "")
	if w.Code != http.StatusOK {
		t.Fatalf("compress status = %d; body: %s", w.Code, w.Body.String())
	}
	var report map[string]any
	decode(t, w, &report)
	if report["summarized"] != float64(1) || report["preserved"] != float64(1) {
		t.Errorf("report = %v", report)
	}

	w = env.do(t, "GET", "/api/sessions/s1/turns?tier=cold", "")
	var listed struct {
		Turns []turnResponse `json:"turns"`
	}
	decode(t, w, &listed)
	if len(listed.Turns) != 2 {
		t.Errorf("cold turns = %d, want 2", len(listed.Turns))
	}

	if w := env.do(t, "GET", "/api/sessions/s1/turns?tier=frozen", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad tier: status = %d, want 400", w.Code)
	}
}

func TestResurfaceEndpoint(t *testing.T) {
	env := testServer(t)
	w := env.do(t, "POST", "/api/sessions/s1/turns", `{"user_text":"gate code 0451","response_text":"ok"}`)
	var created map[string]string
	decode(t, w, &created)

	env.do(t, "POST", "/api/sessions/s2/turns", `{"user_text":"new day","response_text":"hello"}`)

	w = env.do(t, "POST", "/api/turns/"+created["turn_id"]+"/resurface", `{"session_id":"s2"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var res map[string]string
	decode(t, w, &res)

	w = env.do(t, "GET", "/api/turns/"+res["turn_id"], "")
	var turn turnResponse
	decode(t, w, &turn)
	if turn.OriginID != created["turn_id"] || turn.SessionID != "s2" {
		t.Errorf("resurfaced turn = %+v", turn)
	}

	if w := env.do(t, "POST", "/api/turns/x/resurface", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing session: status = %d, want 400", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := testServer(t)
	env.do(t, "POST", "/api/sessions/s1/turns", `{"user_text":"counting things","response_text":"one"}`)

	w := env.do(t, "GET", "/api/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st map[string]any
	decode(t, w, &st)
	if st["sessions"] != float64(1) || st["index_docs"] != float64(1) {
		t.Errorf("stats = %v", st)
	}
	tiers, _ := st["turns_by_tier"].(map[string]any)
	if tiers["hot"] != float64(1) {
		t.Errorf("turns_by_tier = %v", tiers)
	}
}
