package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-orchestrator/internal/agent"
)

func TestTextGenComplete(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "a fine reply"})
	}))
	defer ts.Close()

	gen := TextGen{Client: NewClient(ts.URL, time.Second)}
	out, err := gen.Complete(context.Background(), "say hi")
	require.NoError(t, err)
	assert.Equal(t, "a fine reply", out)
	assert.Equal(t, "/v1/complete", gotPath)
	assert.Equal(t, "say hi", gotBody["prompt"])
}

func TestLeadDirectorySearch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/leads/search", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"leads": []map[string]string{{"name": "Dana", "company": "Acme"}},
		})
	}))
	defer ts.Close()

	dir := LeadDirectory{Client: NewClient(ts.URL, time.Second)}
	leads, err := dir.FindLeads(context.Background(), map[string]string{"leads_api_key": "k"}, agent.LeadFilters{
		Locations: []string{"Austin"},
		Limit:     5,
	})
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "Dana", leads[0].Name)
}

func TestBridgeErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusBadGateway)
	}))
	defer ts.Close()

	gen := TextGen{Client: NewClient(ts.URL, time.Second)}
	_, err := gen.Complete(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestUnconfiguredEndpointFails(t *testing.T) {
	gen := TextGen{Client: NewClient("", time.Second)}
	_, err := gen.Complete(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}
