package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/treasury-engine/api"
	"github.com/warp/treasury-engine/treasury"
	"github.com/warp/treasury-engine/treasury/store"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	engine := treasury.NewEngine(store.NewMemory(), store.NewMemoryAuditLog(), nil)
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(engine, nil)))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func get(t *testing.T, srv *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func createEntityAndSnapshot(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp := post(t, srv, "/api/entities", api.CreateEntityRequest{
		ID: "acme", Name: "ACME", BaseCurrency: "EUR", PaymentRunDay: 5,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = post(t, srv, "/api/snapshots", api.CreateSnapshotRequest{
		EntityID: "acme",
		AsOf:     time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC),
		User:     "tester",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var snap api.SnapshotDTO
	decode(t, resp, &snap)
	return snap.ID
}

// =============================================================================
// TESTS
// =============================================================================

func TestAPI_SnapshotLifecycle(t *testing.T) {
	srv := newTestServer(t)
	snapID := createEntityAndSnapshot(t, srv)

	due := time.Date(2024, time.March, 13, 0, 0, 0, 0, time.UTC)
	resp := post(t, srv, "/api/snapshots/"+snapID+"/ingest", api.IngestRequest{
		User: "tester",
		Records: []api.RecordDTO{{
			Kind:           "invoice",
			SourceSystem:   "erp",
			DocumentNumber: "INV-1001",
			Counterparty:   "Rheinmetall Handel",
			Country:        "DE",
			Terms:          "NET30",
			Amount:         "15000.00",
			Currency:       "EUR",
			DocumentDate:   time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC),
			DueDate:        &due,
		}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ingest api.IngestResultDTO
	decode(t, resp, &ingest)
	assert.Equal(t, 1, ingest.Inserted)

	resp = post(t, srv, "/api/snapshots/"+snapID+"/forecast", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = get(t, srv, "/api/snapshots/"+snapID+"/workspace")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ws api.WorkspaceDTO
	decode(t, resp, &ws)
	assert.Len(t, ws.Rows, 13)
	assert.Equal(t, "EUR", ws.BaseCurrency)

	resp = get(t, srv, "/api/snapshots/"+snapID+"/trust")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var trust api.TrustReportDTO
	decode(t, resp, &trust)
	assert.NotNil(t, trust.LockEligibility)
}

func TestAPI_LockRejectsShortAck(t *testing.T) {
	srv := newTestServer(t)
	snapID := createEntityAndSnapshot(t, srv)

	resp := post(t, srv, "/api/snapshots/"+snapID+"/lock", api.LockRequest{
		User: "cfo", Override: true, Acknowledgment: "too short",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = post(t, srv, "/api/snapshots/"+snapID+"/lock", api.LockRequest{
		User: "cfo", Override: true,
		Acknowledgment: "Approved for weekly treasury meeting; lock via API test.",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Writes into the locked snapshot now 409.
	resp = post(t, srv, "/api/snapshots/"+snapID+"/fx", api.FXRatesRequest{
		User:  "tester",
		Rates: []api.FXRateDTO{{From: "USD", To: "EUR", Rate: "0.92"}},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestAPI_DrilldownValidation(t *testing.T) {
	srv := newTestServer(t)
	snapID := createEntityAndSnapshot(t, srv)

	resp := get(t, srv, fmt.Sprintf("/api/snapshots/%s/drilldown?week=42&direction=in", snapID))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = get(t, srv, fmt.Sprintf("/api/snapshots/%s/drilldown?week=0&direction=sideways", snapID))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAPI_UnknownSnapshotIs404(t *testing.T) {
	srv := newTestServer(t)
	resp := get(t, srv, "/api/snapshots/nope/workspace")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAPI_UnmatchedLifecycleRoutes(t *testing.T) {
	srv := newTestServer(t)
	snapID := createEntityAndSnapshot(t, srv)

	resp := post(t, srv, "/api/transactions", api.TransactionRequest{
		ID:              "txn-1",
		EntityID:        "acme",
		TransactionDate: time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC),
		Amount:          "4250.00",
		Currency:        "EUR",
		Counterparty:    "Unbekannt GmbH",
		Reference:       "WIRE 99817723",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = post(t, srv, "/api/transactions/txn-1/assign?snapshot="+snapID, api.AssignRequest{
		Assignee: "analyst", User: "lead",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = post(t, srv, "/api/transactions/txn-1/advance", api.AdvanceRequest{
		Status: "InReview", User: "analyst",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = post(t, srv, "/api/transactions/txn-1/advance", api.AdvanceRequest{
		Status: "Resolved", User: "analyst",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	// Unknown status value is rejected outright.
	resp = post(t, srv, "/api/transactions/txn-1/advance", api.AdvanceRequest{
		Status: "Sideways", User: "analyst",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
