package api

import (
	"encoding/json"
	"gatekeeper/internal/models"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmin_Whitelist(t *testing.T) {
	router, l := setupRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/admin/whitelist", models.TrustChangeRequest{IP: "192.0.2.10"})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, []string{"192.0.2.10"}, l.Whitelist())

	rr = doJSON(t, router, http.MethodGet, "/api/v1/admin/whitelist", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list models.TrustListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Equal(t, models.TrustListResponse{List: "whitelist", IPs: []string{"192.0.2.10"}, Count: 1}, list)

	rr = doJSON(t, router, http.MethodDelete, "/api/v1/admin/whitelist/192.0.2.10", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, l.Whitelist())

	// Removing again is a no-op
	rr = doJSON(t, router, http.MethodDelete, "/api/v1/admin/whitelist/192.0.2.10", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAdmin_Blacklist(t *testing.T) {
	router, l := setupRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/admin/blacklist", models.TrustChangeRequest{IP: "192.0.2.20", Reason: "scraper"})
	require.Equal(t, http.StatusCreated, rr.Code)

	var msg models.MessageResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &msg))
	assert.Equal(t, "192.0.2.20", msg.IP)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/admin/blacklist", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list models.BanListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "blacklist", list.List)
	assert.Equal(t, "192.0.2.20", list.Bans[0].IP)
	assert.Equal(t, "scraper", list.Bans[0].Reason)
	assert.Equal(t, models.BanKindPermanent, list.Bans[0].Kind)

	check := doJSON(t, router, http.MethodPost, "/api/v1/check", models.Request{IP: "192.0.2.20", Endpoint: "/"})
	assert.Equal(t, http.StatusTooManyRequests, check.Code)

	rr = doJSON(t, router, http.MethodDelete, "/api/v1/admin/blacklist/192.0.2.20", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, l.Blacklist())
}

func TestAdmin_Blacklist_DefaultReason(t *testing.T) {
	router, l := setupRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/admin/blacklist", models.TrustChangeRequest{IP: "2001:db8::1"})
	require.Equal(t, http.StatusCreated, rr.Code)

	bans := l.Blacklist()
	require.Len(t, bans, 1)
	assert.Equal(t, "manual", bans[0].Reason)
}

func TestAdmin_Blocks(t *testing.T) {
	tests := []struct {
		name           string
		body           interface{}
		expectedStatus int
		expectExpiry   bool
	}{
		{"timed block", models.TrustChangeRequest{IP: "192.0.2.30", Duration: "15m"}, http.StatusCreated, true},
		{"indefinite block", models.TrustChangeRequest{IP: "192.0.2.30"}, http.StatusCreated, false},
		{"invalid duration", models.TrustChangeRequest{IP: "192.0.2.30", Duration: "soon"}, http.StatusBadRequest, false},
		{"negative duration", models.TrustChangeRequest{IP: "192.0.2.30", Duration: "-1m"}, http.StatusBadRequest, false},
		{"invalid ip", models.TrustChangeRequest{IP: "not-an-ip"}, http.StatusBadRequest, false},
		{"invalid json", "[", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, l := setupRouter(t)

			rr := doJSON(t, router, http.MethodPost, "/api/v1/admin/blocks", tt.body)
			assert.Equal(t, tt.expectedStatus, rr.Code)
			if tt.expectedStatus != http.StatusCreated {
				assert.Empty(t, l.Blocks())
				return
			}

			blocks := l.Blocks()
			require.Len(t, blocks, 1)
			assert.Equal(t, tt.expectExpiry, blocks[0].ExpiresAt != nil)

			rr = doJSON(t, router, http.MethodGet, "/api/v1/admin/blocks", nil)
			var list models.BanListResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
			assert.Equal(t, 1, list.Count)

			rr = doJSON(t, router, http.MethodDelete, "/api/v1/admin/blocks/192.0.2.30", nil)
			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Empty(t, l.Blocks())
		})
	}
}

func TestAdmin_Reputation(t *testing.T) {
	router, _ := setupRouter(t)

	rr := doJSON(t, router, http.MethodGet, "/api/v1/admin/reputation/192.0.2.40", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/admin/reputation/192.0.2.40/events",
		models.ActivityRequest{Kind: "failed_login", Detail: map[string]string{"user": "alice"}})
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp models.ReputationResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "192.0.2.40", resp.IP)
	assert.Equal(t, 20.0, resp.Score)
	assert.Equal(t, 1, resp.Activities)
	assert.False(t, resp.Blocked)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/admin/reputation/192.0.2.40", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 20.0, resp.Score)
	assert.False(t, resp.LastSeen.IsZero())
}

func TestAdmin_ReportActivity_Invalid(t *testing.T) {
	tests := []struct {
		name string
		path string
		body interface{}
	}{
		{"missing kind", "/api/v1/admin/reputation/192.0.2.41/events", models.ActivityRequest{}},
		{"invalid json", "/api/v1/admin/reputation/192.0.2.41/events", "{"},
		{"invalid ip", "/api/v1/admin/reputation/nope/events", models.ActivityRequest{Kind: "failed_login"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, l := setupRouter(t)
			rr := doJSON(t, router, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			_, found := l.Reputation("192.0.2.41")
			assert.False(t, found)
		})
	}
}

func TestAdmin_Blacklist_EquivalentSpellings(t *testing.T) {
	router, l := setupRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/admin/blacklist", models.TrustChangeRequest{IP: "2001:DB8::1", Reason: "scraper"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var msg models.MessageResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &msg))
	assert.Equal(t, "2001:db8::1", msg.IP)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/admin/blacklist", models.TrustChangeRequest{IP: "::ffff:192.0.2.30"})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Len(t, l.Blacklist(), 2)

	for _, ip := range []string{"2001:db8::1", "2001:db8:0:0:0:0:0:1", "2001:DB8::0001", "192.0.2.30", "::ffff:192.0.2.30"} {
		check := doJSON(t, router, http.MethodPost, "/api/v1/check", models.Request{IP: ip, Endpoint: "/"})
		assert.Equal(t, http.StatusTooManyRequests, check.Code, ip)
	}

	rr = doJSON(t, router, http.MethodDelete, "/api/v1/admin/blacklist/2001:db8:0:0:0:0:0:1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = doJSON(t, router, http.MethodDelete, "/api/v1/admin/blacklist/192.0.2.30", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, l.Blacklist())
}
