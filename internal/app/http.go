package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"siteguard/api/internal/auth"
	"siteguard/api/internal/cache"
	"siteguard/api/internal/progress"
	"siteguard/api/internal/store"
	"siteguard/api/internal/syncer"
)

type HTTPServer struct {
	service    *Service
	cache      *cache.Cache
	corsOrigin string
}

func NewHTTPServer(service *Service, readCache *cache.Cache, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, cache: readCache, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/internal/sync/") {
		s.handleInternalSync(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/login" {
		s.handleAdminLogin(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/trust/score" {
		s.handleTrustScore(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/trust/vote" {
		s.handleTrustVote(w, r)
		return
	}

	if r.URL.Path == "/api/trust/records" {
		switch r.Method {
		case http.MethodGet:
			if _, ok := s.requireAdmin(w, r); !ok {
				return
			}
			records, err := s.service.ListTrustRecords(r.Context())
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, records)
		case http.MethodPost:
			s.handleTrustSeed(w, r)
		case http.MethodDelete:
			claims, ok := s.requireAdmin(w, r)
			if !ok {
				return
			}
			if err := s.service.ClearTrustRecords(r.Context(), claims.Email); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/reports" {
		reports, err := s.service.ListReports(r.Context(), r.URL.Query().Get("reporter"))
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reports)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/reports" {
		s.handleReportSubmit(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/reports/status" {
		s.handleReportStatus(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/reports/cleanup" {
		claims, ok := s.requireAdmin(w, r)
		if !ok {
			return
		}
		count, err := s.service.CleanupReports(r.Context(), claims.Email)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": count})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/progress/sync" {
		s.handleProgressSync(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/accounts" {
		s.handleAccountCreate(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/accounts/delete" {
		s.handleAccountDelete(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/blocklist" {
		rules := s.service.BlocklistRules()
		writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/bypass" {
		s.handleBypassCreate(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/bypass/consume" {
		s.handleBypassConsume(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/audit" {
		if _, ok := s.requireAdmin(w, r); !ok {
			return
		}
		entries, err := s.service.ListAudit(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"store": map[string]any{"status": "ok"},
		"cache": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["store"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.cache.Ping(ctx); err != nil {
		// A dead cache degrades reads but does not block serving.
		checks["cache"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	token, err := s.service.AdminLogin(r.Context(), body.Email, body.Password)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

func (s *HTTPServer) handleTrustScore(w http.ResponseWriter, r *http.Request) {
	score, err := s.service.TrustScore(r.Context(), r.URL.Query().Get("domain"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *HTTPServer) handleTrustVote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Domain  string `json:"domain"`
		Vote    string `json:"vote"`
		VoterID string `json:"voterId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	message, err := s.service.CastVote(r.Context(), body.Domain, body.Vote, body.VoterID, clientIP(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	score, err := s.service.TrustScore(r.Context(), body.Domain)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": message, "score": score})
}

// handleTrustSeed accepts either an admin bearer token or the tier sync
// token; restore tooling and the peer both use it.
func (s *HTTPServer) handleTrustSeed(w http.ResponseWriter, r *http.Request) {
	if !s.hasSyncToken(r) {
		if _, ok := s.requireAdmin(w, r); !ok {
			return
		}
	}
	var record store.TrustRecord
	if err := decodeBody(r, &record); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	merged, err := s.service.SeedTrustRecord(r.Context(), record)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

func (s *HTTPServer) handleReportSubmit(w http.ResponseWriter, r *http.Request) {
	var incoming store.Report
	if err := decodeBody(r, &incoming); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	submitted, err := s.service.SubmitReport(r.Context(), incoming)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitted)
}

func (s *HTTPServer) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	var body struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	updated, err := s.service.UpdateReportStatus(r.Context(), claims.Email, body.ID, body.Status)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleProgressSync(w http.ResponseWriter, r *http.Request) {
	var delta progress.Delta
	if err := decodeBody(r, &delta); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	// forceUpdate is the privileged override; only an admin may wield it.
	if delta.ForceUpdate {
		if _, ok := s.requireAdmin(w, r); !ok {
			return
		}
	}
	account, accepted, err := s.service.SyncProgress(r.Context(), delta)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "accepted": accepted, "account": account})
}

func (s *HTTPServer) handleAccountCreate(w http.ResponseWriter, r *http.Request) {
	var account store.Account
	if err := decodeBody(r, &account); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	created, err := s.service.CreateAccount(r.Context(), account)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleAccountDelete(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.DeleteAccount(r.Context(), claims.Email, body.Email); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *HTTPServer) handleBypassCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	token, err := s.service.CreateBypass(r.Context(), body.URL)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (s *HTTPServer) handleBypassConsume(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	consumed, err := s.service.ConsumeBypass(r.Context(), body.URL)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "consumed": consumed})
}

// handleInternalSync serves the tier-to-tier snapshot endpoints. GET returns
// the local snapshot as a bare array; POST merges a peer snapshot in.
func (s *HTTPServer) handleInternalSync(w http.ResponseWriter, r *http.Request) {
	if !s.hasSyncToken(r) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	switch {
	case r.URL.Path == syncer.PathTrust && r.Method == http.MethodGet:
		records, err := s.service.TrustSnapshot(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, emptyAsList(records))
	case r.URL.Path == syncer.PathTrust && r.Method == http.MethodPost:
		var remote []store.TrustRecord
		if err := decodeBody(r, &remote); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.MergeTrustSnapshot(r.Context(), remote); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	case r.URL.Path == syncer.PathReports && r.Method == http.MethodGet:
		reports, err := s.service.ReportSnapshot(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, emptyAsList(reports))
	case r.URL.Path == syncer.PathReports && r.Method == http.MethodPost:
		var remote []store.Report
		if err := decodeBody(r, &remote); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		changed, err := s.service.MergeReportSnapshot(r.Context(), remote)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "changed": changed})
	case r.URL.Path == syncer.PathAccounts && r.Method == http.MethodGet:
		accounts, err := s.service.AccountSnapshot(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, emptyAsList(accounts))
	case r.URL.Path == syncer.PathAccounts && r.Method == http.MethodPost:
		var remote []store.Account
		if err := decodeBody(r, &remote); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		changed, err := s.service.MergeAccountSnapshot(r.Context(), remote)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "changed": changed})
	case r.URL.Path == syncer.PathTombstones && r.Method == http.MethodGet:
		tombstones, err := s.service.TombstoneSnapshot(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, emptyAsList(tombstones))
	case r.URL.Path == syncer.PathTombstones && r.Method == http.MethodPost:
		var remote []store.Tombstone
		if err := decodeBody(r, &remote); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.MergeTombstoneSnapshot(r.Context(), remote); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) hasSyncToken(r *http.Request) bool {
	token := r.Header.Get(syncer.SyncTokenHeader)
	expected := s.service.SyncToken()
	if token == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

func (s *HTTPServer) requireAdmin(w http.ResponseWriter, r *http.Request) (auth.Claims, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Claims{}, false
	}
	claims, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Claims{}, false
	}
	return claims, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+syncer.SyncTokenHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"success": false,
		"code":    code,
		"message": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// clientIP is the origin used to derive anonymous voter identities.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first, _, ok := strings.Cut(forwarded, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// emptyAsList keeps snapshot responses as [] instead of null.
func emptyAsList[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
