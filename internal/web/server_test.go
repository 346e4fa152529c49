package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viasinal/cadmatch/internal/asset"
	"github.com/viasinal/cadmatch/internal/designcheck"
	"github.com/viasinal/cadmatch/internal/match"
	"github.com/viasinal/cadmatch/internal/runner"
	"github.com/viasinal/cadmatch/internal/store"
	"github.com/viasinal/cadmatch/internal/tolerance"
	"github.com/viasinal/cadmatch/internal/triage"
)

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	mem := store.NewMemory()
	registry := tolerance.NewRegistry(mem)
	classifier := match.NewClassifier(match.NewSearcher(mem))

	srv := NewServer(&Config{Server: ServerConfig{Host: "127.0.0.1", Port: 0}}, Deps{
		Store:    mem,
		Runner:   runner.New(mem, registry, classifier, log),
		Detector: designcheck.New(mem, registry, log),
		Machine:  triage.NewMachine(mem, log),
		Registry: registry,
	}, log)
	return srv, mem
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTriageFeedAndTransitions(t *testing.T) {
	srv, mem := newTestServer(t)

	n := mem.AddNecessity(asset.Necessity{
		ElementType: asset.Sign, HighwayID: 1, LotID: 1,
		ServiceKind: asset.ServiceInstall,
	})
	_, err := mem.ApplyMatchResult(context.Background(), n.ID, asset.MatchResult{
		Decision: asset.DecisionAmbiguous, ReasonCode: asset.ReasonDistInGrayZone, Score: 0.4,
	}, asset.TriageProposed)
	require.NoError(t, err)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/triage", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var feed struct {
		Count int `json:"count"`
		Items []struct {
			ID          int64  `json:"id"`
			TriageState string `json:"triage_state"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &feed))
	require.Equal(t, 1, feed.Count)
	assert.Equal(t, n.ID, feed.Items[0].ID)

	path := fmt.Sprintf("/api/triage/%d/approve", n.ID)
	rec = doJSON(t, srv.Handler(), http.MethodPost, path, map[string]string{"reviewer": "maria"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Re-approving an already active necessity conflicts.
	rec = doJSON(t, srv.Handler(), http.MethodPost, path, map[string]string{"reviewer": "maria"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, fmt.Sprintf("/api/triage/%d/revert", n.ID), nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Rejection without a reason is refused.
	rec = doJSON(t, srv.Handler(), http.MethodPost, fmt.Sprintf("/api/triage/%d/reject", n.ID),
		map[string]string{"reviewer": "maria"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, fmt.Sprintf("/api/triage/%d/reject", n.ID),
		map[string]string{"reviewer": "maria", "reason": "WRONG_SIDE"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownNecessityIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/necessities/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReconciliationFlow(t *testing.T) {
	srv, mem := newTestServer(t)

	el := mem.AddCadastro(asset.CadastroElement{
		ElementType: asset.Sign, HighwayID: 1, LotID: 1, Lat: -23.55, Lon: -46.63,
		Attributes: map[string]string{"pelicula": "I"},
	})
	n := mem.AddNecessity(asset.Necessity{
		ElementType: asset.Sign, HighwayID: 1, LotID: 1,
		ServiceKind: asset.ServiceSubstitute,
		Decision:    asset.DecisionSubstitution,
		CandidateID: &el.ID,
		TriageState: asset.TriageProposed,
		Attributes:  map[string]string{"pelicula": "III"},
	})

	technician := map[string]string{"X-User-ID": "joao", "X-User-Role": "TECHNICIAN"}
	coordinator := map[string]string{"X-User-ID": "carla", "X-User-Role": "COORDINATOR"}

	rec := doJSON(t, srv.Handler(), http.MethodPost,
		fmt.Sprintf("/api/necessities/%d/submit", n.ID),
		map[string]string{"note": "same plate"}, technician)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, string(asset.ReconciliationPending), created.Status)

	// A technician cannot decide the request.
	rec = doJSON(t, srv.Handler(), http.MethodPost,
		fmt.Sprintf("/api/reconciliations/%d/approve", created.ID), nil, technician)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost,
		fmt.Sprintf("/api/reconciliations/%d/approve", created.ID),
		map[string]string{"note": "confirmed"}, coordinator)
	require.Equal(t, http.StatusOK, rec.Code)

	gotEl, err := mem.GetCadastro(context.Background(), el.ID)
	require.NoError(t, err)
	assert.Equal(t, "III", gotEl.Attributes["pelicula"])
}

func TestToleranceAdmin(t *testing.T) {
	srv, _ := newTestServer(t)

	bad := map[string]interface{}{
		"element_type":            "PLACA",
		"match_distance_m":        80,
		"substitution_distance_m": 15,
	}
	rec := doJSON(t, srv.Handler(), http.MethodPut, "/api/tolerances", bad, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "substitution radius below match radius")

	good := map[string]interface{}{
		"element_type":            "PLACA",
		"match_distance_m":        15,
		"substitution_distance_m": 80,
		"match_attributes":        []string{"codigo", "pelicula"},
	}
	rec = doJSON(t, srv.Handler(), http.MethodPut, "/api/tolerances", good, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/tolerances", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []struct {
		ElementType string `json:"element_type"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "PLACA", list[0].ElementType)
}

func TestDesignCheckEndpoint(t *testing.T) {
	srv, mem := newTestServer(t)

	mem.AddCadastro(asset.CadastroElement{
		ElementType: asset.Sign, HighwayID: 1, LotID: 1, Lat: -23.55, Lon: -46.63,
		Attributes: map[string]string{"codigo": "R-19"},
	})
	mem.AddNecessity(asset.Necessity{
		ElementType: asset.Sign, HighwayID: 1, LotID: 1,
		ServiceKind: asset.ServiceInstall,
		Lat:         ptrf(-23.55), Lon: ptrf(-46.63),
		Attributes: map[string]string{"codigo": "R-19"},
	})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/design-check/run",
		map[string]interface{}{"element_types": []string{"PLACA"}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats["checked"])
	assert.Equal(t, 1, stats["flagged_existing"])
}

func TestRunProgressBeforeAnyRun(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/match/progress", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, false, out["running"])
}

func TestBatchRequestValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/match/reset",
		map[string]interface{}{"element_types": []string{"OUTDOOR"}}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func ptrf(v float64) *float64 { return &v }
