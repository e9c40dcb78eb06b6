// Package testutil provides shared fixtures and assertions for PacePipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/store"
)

// DecodeAPIResponse decodes the JSON envelope written by the API. Non-JSON
// bodies (such as /metrics) yield a zero response.
func DecodeAPIResponse(t *testing.T, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		return resp
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rr.Body.String(), err)
	}
	return resp
}

// ResultMap returns the result of resp as a JSON object, failing the test otherwise.
func ResultMap(t *testing.T, resp models.APIResponse) map[string]interface{} {
	t.Helper()
	m, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected object result, got %T (%v)", resp.Result, resp.Result)
	}
	return m
}

// SeedCampaign creates a campaign with one pending log row per contact, all
// sent from session.
func SeedCampaign(t *testing.T, repo store.CampaignRepo, name, session string, contactIDs ...int64) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := repo.CreateCampaign(ctx, name, len(contactIDs))
	if err != nil {
		t.Fatalf("failed to create campaign %q: %v", name, err)
	}
	for _, contactID := range contactIDs {
		err := repo.AddCampaignLog(ctx, models.CampaignLog{
			CampaignID: id,
			ContactID:  contactID,
			Session:    session,
			Status:     models.LogStatusPending,
			UpdatedAt:  time.Now(),
		})
		if err != nil {
			t.Fatalf("failed to add log for contact %d: %v", contactID, err)
		}
	}
	return id
}

// AssertCampaignCounters checks the sent and failed counters of a campaign.
func AssertCampaignCounters(t *testing.T, repo store.CampaignRepo, id int64, sent, failed int) {
	t.Helper()
	c, err := repo.GetCampaign(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load campaign %d: %v", id, err)
	}
	if c.Sent != sent || c.Failed != failed {
		t.Errorf("campaign %d counters: sent=%d failed=%d, want sent=%d failed=%d", id, c.Sent, c.Failed, sent, failed)
	}
}
