package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/store"
)

func TestSeedCampaign(t *testing.T) {
	st := store.NewInMemoryStore()
	id := SeedCampaign(t, st, "promo", "ventas", 1, 2, 3)

	stats, err := st.CampaignStats(context.Background(), id)
	if err != nil {
		t.Fatalf("CampaignStats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
	AssertCampaignCounters(t, st, id, 0, 0)
}

func TestDecodeAPIResponse(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		wantStatus  string
	}{
		{"json envelope", "application/json", `{"status":"ok","result":{"queued":true}}`, "ok"},
		{"plain text", "text/plain; version=0.0.4", "# HELP go_goroutines", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			rr.Header().Set("Content-Type", tt.contentType)
			rr.WriteHeader(http.StatusOK)
			rr.WriteString(tt.body)

			resp := DecodeAPIResponse(t, rr)
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
		})
	}
}

func TestResultMap(t *testing.T) {
	resp := models.APIResponse{Status: "ok", Result: map[string]interface{}{"queued": true}}
	if m := ResultMap(t, resp); m["queued"] != true {
		t.Errorf("unexpected map %v", m)
	}
}
