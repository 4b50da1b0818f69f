package api

import (
	"gatekeeper/internal/models"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

const defaultAdminReason = "manual"

// ListWhitelist handles GET /api/v1/admin/whitelist
func (h *Handlers) ListWhitelist(w http.ResponseWriter, r *http.Request) {
	ips := h.service.Whitelist()
	h.writeJSONResponse(w, http.StatusOK, models.TrustListResponse{List: "whitelist", IPs: ips, Count: len(ips)})
}

// AddToWhitelist handles POST /api/v1/admin/whitelist
func (h *Handlers) AddToWhitelist(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTrustChange(w, r)
	if !ok {
		return
	}
	h.service.AddToWhitelist(req.IP)
	h.audit(r, "whitelist_add", req.IP, req.Reason)
	h.writeJSONResponse(w, http.StatusCreated, models.MessageResponse{IP: req.IP, Message: "IP added to whitelist"})
}

// RemoveFromWhitelist handles DELETE /api/v1/admin/whitelist/{ip}
func (h *Handlers) RemoveFromWhitelist(w http.ResponseWriter, r *http.Request) {
	ip, ok := h.pathIP(w, r)
	if !ok {
		return
	}
	h.service.RemoveFromWhitelist(ip)
	h.audit(r, "whitelist_remove", ip, "")
	h.writeJSONResponse(w, http.StatusOK, models.MessageResponse{IP: ip, Message: "IP removed from whitelist"})
}

// ListBlacklist handles GET /api/v1/admin/blacklist
func (h *Handlers) ListBlacklist(w http.ResponseWriter, r *http.Request) {
	bans := h.service.Blacklist()
	h.writeJSONResponse(w, http.StatusOK, models.BanListResponse{List: "blacklist", Bans: bans, Count: len(bans)})
}

// AddToBlacklist handles POST /api/v1/admin/blacklist
func (h *Handlers) AddToBlacklist(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTrustChange(w, r)
	if !ok {
		return
	}
	h.service.AddToBlacklist(req.IP, req.Reason)
	h.audit(r, "blacklist_add", req.IP, req.Reason)
	h.writeJSONResponse(w, http.StatusCreated, models.MessageResponse{IP: req.IP, Message: "IP added to blacklist"})
}

// RemoveFromBlacklist handles DELETE /api/v1/admin/blacklist/{ip}
func (h *Handlers) RemoveFromBlacklist(w http.ResponseWriter, r *http.Request) {
	ip, ok := h.pathIP(w, r)
	if !ok {
		return
	}
	h.service.RemoveFromBlacklist(ip)
	h.audit(r, "blacklist_remove", ip, "")
	h.writeJSONResponse(w, http.StatusOK, models.MessageResponse{IP: ip, Message: "IP removed from blacklist"})
}

// ListBlocks handles GET /api/v1/admin/blocks
func (h *Handlers) ListBlocks(w http.ResponseWriter, r *http.Request) {
	bans := h.service.Blocks()
	h.writeJSONResponse(w, http.StatusOK, models.BanListResponse{List: "blocks", Bans: bans, Count: len(bans)})
}

// BlockIP handles POST /api/v1/admin/blocks
// An empty duration blocks until the IP is unblocked.
func (h *Handlers) BlockIP(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTrustChange(w, r)
	if !ok {
		return
	}

	var d time.Duration
	if req.Duration != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil || parsed < 0 {
			h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, "duration must be a non-negative Go duration such as 15m")
			return
		}
		d = parsed
	}

	h.service.Block(req.IP, req.Reason, d)
	h.audit(r, "block", req.IP, req.Reason, "duration", d.String())
	h.writeJSONResponse(w, http.StatusCreated, models.MessageResponse{IP: req.IP, Message: "IP blocked"})
}

// UnblockIP handles DELETE /api/v1/admin/blocks/{ip}
func (h *Handlers) UnblockIP(w http.ResponseWriter, r *http.Request) {
	ip, ok := h.pathIP(w, r)
	if !ok {
		return
	}
	h.service.Unblock(ip, defaultAdminReason)
	h.audit(r, "unblock", ip, defaultAdminReason)
	h.writeJSONResponse(w, http.StatusOK, models.MessageResponse{IP: ip, Message: "IP unblocked"})
}

// GetReputation handles GET /api/v1/admin/reputation/{ip}
func (h *Handlers) GetReputation(w http.ResponseWriter, r *http.Request) {
	ip, ok := h.pathIP(w, r)
	if !ok {
		return
	}
	rec, found := h.service.Reputation(ip)
	if !found {
		h.writeErrorResponse(w, http.StatusNotFound, models.ErrorCodeNotFound, "No reputation record for IP")
		return
	}
	h.writeJSONResponse(w, http.StatusOK, models.ReputationResponse{
		IP:         rec.IP,
		Score:      rec.Score,
		Blocked:    rec.Blocked,
		Activities: len(rec.Activities),
		FirstSeen:  rec.FirstSeen,
		LastSeen:   rec.LastSeen,
	})
}

// ReportActivity handles POST /api/v1/admin/reputation/{ip}/events
func (h *Handlers) ReportActivity(w http.ResponseWriter, r *http.Request) {
	ip, ok := h.pathIP(w, r)
	if !ok {
		return
	}

	var req models.ActivityRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "Invalid JSON body")
		return
	}
	if req.Kind == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, "kind is required")
		return
	}

	rec := h.service.ReportActivity(ip, req.Kind, req.Detail)
	h.audit(r, "report_activity", ip, req.Kind)
	h.writeJSONResponse(w, http.StatusAccepted, models.ReputationResponse{
		IP:         rec.IP,
		Score:      rec.Score,
		Blocked:    rec.Blocked,
		Activities: len(rec.Activities),
		FirstSeen:  rec.FirstSeen,
		LastSeen:   rec.LastSeen,
	})
}

func (h *Handlers) decodeTrustChange(w http.ResponseWriter, r *http.Request) (models.TrustChangeRequest, bool) {
	var req models.TrustChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "Invalid JSON body")
		return req, false
	}
	if !validIP(req.IP) {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, "ip must be a valid IPv4 or IPv6 address")
		return req, false
	}
	req.IP = models.CanonicalIP(req.IP)
	if req.Reason == "" {
		req.Reason = defaultAdminReason
	}
	return req, true
}

func (h *Handlers) pathIP(w http.ResponseWriter, r *http.Request) (string, bool) {
	ip := mux.Vars(r)["ip"]
	if !validIP(ip) {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, "ip must be a valid IPv4 or IPv6 address")
		return "", false
	}
	return models.CanonicalIP(ip), true
}

func validIP(ip string) bool {
	_, err := netip.ParseAddr(strings.TrimSpace(ip))
	return err == nil
}

// audit logs an admin mutation with the caller's address.
func (h *Handlers) audit(r *http.Request, action, ip, reason string, extra ...any) {
	args := append([]any{
		"action", action,
		"ip", ip,
		"reason", reason,
		"remote_addr", r.RemoteAddr,
	}, extra...)
	h.logger.Info("Admin trust change", args...)
}
