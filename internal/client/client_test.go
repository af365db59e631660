package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lazypower/recall/internal/config"
	"github.com/lazypower/recall/internal/engine"
	"github.com/lazypower/recall/internal/metrics"
	"github.com/lazypower/recall/internal/server"
	"github.com/lazypower/recall/internal/store"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m := metrics.New()
	eng, err := engine.New(db, config.Default(), engine.Options{Metrics: m})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	ts := httptest.NewServer(server.New(eng, db, "test", server.Options{Metrics: m}))
	t.Cleanup(ts.Close)
	return New(ts.URL)
}

func TestHealthy(t *testing.T) {
	c := testClient(t)
	if !c.Healthy(context.Background()) {
		t.Fatal("expected healthy server")
	}

	down := New("http://127.0.0.1:1")
	if down.Healthy(context.Background()) {
		t.Error("expected unreachable server to be unhealthy")
	}
}

func TestRecordAndContext(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	sess, err := c.StartSession(ctx, "s1", "alice")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if !sess.Active || sess.UserID != "alice" {
		t.Errorf("session = %+v", sess)
	}

	id, err := c.RecordTurn(ctx, "s1", TurnInput{
		UserText:     "how do I rotate the signing keys",
		ResponseText: "run the rotate job then redeploy the verifier",
	})
	if err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}
	if id == "" {
		t.Fatal("empty turn id")
	}

	turns, err := c.Turns(ctx, "s1", "hot")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 1 || turns[0].ID != id {
		t.Fatalf("turns = %+v", turns)
	}

	out, err := c.Context(ctx, "s1", ContextQuery{Query: "signing keys", Markdown: true})
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	text, _ := out["context"].(string)
	if !strings.Contains(text, "rotate the signing keys") {
		t.Errorf("context missing turn:\n%s", text)
	}
}

func TestCloseCompressAndStats(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	if _, err := c.RecordTurn(ctx, "s1", TurnInput{UserText: "deploy the api", ResponseText: "deployed to staging"}); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}
	if err := c.CloseSession(ctx, "s1"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	report, err := c.Compress(ctx, "s1")
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if report["session_id"] != "s1" {
		t.Errorf("report = %v", report)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats["sessions"] != float64(1) {
		t.Errorf("sessions = %v, want 1", stats["sessions"])
	}
}

func TestStatusError(t *testing.T) {
	c := testClient(t)

	_, err := c.RecordTurn(context.Background(), "s1", TurnInput{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if se.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", se.Code)
	}
	if se.Message == "" || strings.HasPrefix(se.Message, "{") {
		t.Errorf("message = %q, want decoded error text", se.Message)
	}

	err = c.CloseSession(context.Background(), "missing")
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("close missing: %v", err)
	}
}
