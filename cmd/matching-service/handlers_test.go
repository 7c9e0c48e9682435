package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/synaptica-ai/patient-matching/pkg/common/auth"
	"github.com/synaptica-ai/patient-matching/pkg/common/logger"
	"github.com/synaptica-ai/patient-matching/pkg/common/models"
	"github.com/synaptica-ai/patient-matching/pkg/export"
	"github.com/synaptica-ai/patient-matching/pkg/match"
	"github.com/synaptica-ai/patient-matching/pkg/matching"
	"github.com/synaptica-ai/patient-matching/pkg/matchstore"
	"github.com/synaptica-ai/patient-matching/pkg/notification"
	"github.com/synaptica-ai/patient-matching/pkg/patient"
	"github.com/synaptica-ai/patient-matching/pkg/similarity"
)

func newTestApp(t *testing.T) (*MatchingApp, http.Handler) {
	t.Helper()
	logger.Discard()
	feature := func(ids ...string) []patient.Feature {
		var out []patient.Feature
		for _, id := range ids {
			out = append(out, patient.Feature{ID: id, Observed: true})
		}
		return out
	}
	dir := patient.NewMemoryDirectory(
		&patient.Patient{ID: "P1", OwnerEmail: "a@example.org", Visibility: patient.VisibilityMatchable, Consents: []string{"matching"}, Features: feature("HP:1", "HP:2", "HP:3", "HP:4")},
		&patient.Patient{ID: "P2", OwnerEmail: "b@example.org", Visibility: patient.VisibilityMatchable, Consents: []string{"matching"}, Features: feature("HP:1", "HP:2", "HP:3", "HP:4", "HP:5")},
	)
	store := matchstore.NewMemoryStore()
	search := similarity.NewFinder(dir, nil, similarity.DefaultSettings(), nil)
	sender := notification.SenderFunc(func(context.Context, *match.PatientMatch) error { return nil })
	svc := matching.NewService(store, sender, nil, matching.NewLocalMatchFinder(dir, search, "matching"))

	app := &MatchingApp{service: svc, store: store, minScore: 0.5}
	return app, app.routes(1<<20, nil)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDiscoverNotifyAndList(t *testing.T) {
	_, h := newTestApp(t)

	rec := do(t, h, http.MethodPost, "/api/v1/matches/discover", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("discover: %d %s", rec.Code, rec.Body.String())
	}
	var discovered export.Matches
	if err := json.Unmarshal(rec.Body.Bytes(), &discovered); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(discovered.Matches) != 1 || discovered.Matches[0].EquivalentID == nil {
		t.Fatalf("expected one collapsed pair, got %+v", discovered.Matches)
	}
	id := discovered.Matches[0].ID

	body, _ := json.Marshal(models.NotifyRequest{MatchIDs: []int64{id, 77}})
	rec = do(t, h, http.MethodPost, "/api/v1/matches/notify", string(body))
	var results []models.NotificationResult
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode notify: %v", err)
	}
	if len(results) != 2 || !results[0].Success || !results[0].Recorded || results[1].Success || results[1].Reason != matching.ReasonNotFound {
		t.Fatalf("unexpected notify results %+v", results)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/matches?notified=true&min_score=0.5", "")
	var listed export.Matches
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Matches) != 1 || listed.Matches[0].ID != id || !listed.Matches[0].Notified {
		t.Fatalf("expected the notified match, got %+v", listed.Matches)
	}
}

func TestDiscoverRejectsBadThreshold(t *testing.T) {
	_, h := newTestApp(t)
	rec := do(t, h, http.MethodPost, "/api/v1/matches/discover", `{"min_score": 2}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/v1/matches?min_score=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRejectUnknownMatch(t *testing.T) {
	_, h := newTestApp(t)
	body, _ := json.Marshal(models.RejectRequest{MatchIDs: []int64{5}, Rejected: true})
	rec := do(t, h, http.MethodPost, "/api/v1/matches/reject", string(body))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	app, h := newTestApp(t)
	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/metrics", ""); !bytes.Contains(rec.Body.Bytes(), []byte("matching_discovery_runs_total")) {
		t.Fatalf("metrics output missing counters: %s", rec.Body.String())
	}

	do(t, h, http.MethodPost, "/api/v1/matches/discover", "")
	rec := do(t, h, http.MethodGet, "/api/v1/finders/local/runs/last", "")
	var run matching.RunStats
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil || run.PatientsChecked != 2 {
		t.Fatalf("unexpected run info %s (%v)", rec.Body.String(), err)
	}

	app.ready = func(context.Context) error { return errors.New("db down") }
	if rec := do(t, h, http.MethodGet, "/ready", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when not ready, got %d", rec.Code)
	}
}

func TestAdminAPIRequiresTokenWhenConfigured(t *testing.T) {
	app, _ := newTestApp(t)
	manager, err := auth.NewJWTManager("0123456789abcdef", "synaptica-platform", "patient-matching", time.Minute)
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}
	h := app.routes(1<<20, manager)

	if rec := do(t, h, http.MethodGet, "/api/v1/matches", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health must stay open, got %d", rec.Code)
	}

	token, _ := manager.IssueToken("ops@example.org", "admin")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/matches", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}
