package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"gorm.io/gorm"

	"github.com/pulsetrack/pulsetrack/internal/models"
	"github.com/pulsetrack/pulsetrack/internal/syncqueue"
	"github.com/pulsetrack/pulsetrack/internal/whoop"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// LinkRequest optionally carries the completion parameters. An empty body
// initiates a new link instead.
type LinkRequest struct {
	AuthorizationCode string `json:"authorizationCode"`
	State             string `json:"state"`
}

// HandleWhoopStatus returns the user's integration status
func HandleWhoopStatus(svc *whoop.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := currentUser(r)

		status, err := svc.Status(r.Context(), user.ID)
		if err != nil {
			log.Println("Whoop status:", err.Error())
			http.Error(w, "Failed to read integration status", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, status)
	}
}

// HandleWhoopLink initiates a link when the body is empty, or completes one
// when it carries an authorization code and state
func HandleWhoopLink(svc *whoop.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := currentUser(r)

		var req LinkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}

		if req.AuthorizationCode == "" && req.State == "" {
			start, err := svc.StartLink(r.Context(), user.ID)
			switch {
			case errors.Is(err, whoop.ErrNotConfigured):
				http.Error(w, "WHOOP integration is not configured", http.StatusServiceUnavailable)
			case errors.Is(err, whoop.ErrAlreadyLinked):
				http.Error(w, "WHOOP account is already linked", http.StatusConflict)
			case err != nil:
				log.Println("Whoop link start:", err.Error())
				http.Error(w, "Failed to start link", http.StatusInternalServerError)
			default:
				writeJSON(w, http.StatusCreated, start)
			}
			return
		}

		integ, err := svc.CompleteLink(r.Context(), user.ID, req.State, req.AuthorizationCode)
		switch {
		case errors.Is(err, whoop.ErrNotConfigured):
			http.Error(w, "WHOOP integration is not configured", http.StatusServiceUnavailable)
		case errors.Is(err, whoop.ErrInvalidLinkSession):
			http.Error(w, "Link session is invalid or expired", http.StatusBadRequest)
		case err != nil:
			var oauthErr *whoop.OAuthError
			if errors.As(err, &oauthErr) {
				log.Println("Whoop link complete:", oauthErr.Error())
				http.Error(w, "Token exchange with WHOOP failed", http.StatusBadGateway)
				return
			}
			log.Println("Whoop link complete:", err.Error())
			http.Error(w, "Failed to complete link", http.StatusInternalServerError)
		default:
			writeJSON(w, http.StatusOK, integ)
		}
	}
}

// HandleWhoopUnlink removes the user's integration
func HandleWhoopUnlink(svc *whoop.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := currentUser(r)

		if err := svc.Unlink(r.Context(), user.ID); err != nil {
			log.Println("Whoop unlink:", err.Error())
			http.Error(w, "Failed to unlink", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "unlinked"})
	}
}

// HandleWhoopWebhook authenticates an inbound WHOOP notification by signature
// and turns it into sync work. Semantically unprocessable payloads are
// acknowledged with 202 so the sender does not retry them forever; dispatch
// errors are swallowed for the same reason.
func HandleWhoopWebhook(db *gorm.DB, svc *whoop.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secret := svc.WebhookSecret()
		if secret == "" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "webhook secret not configured"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "Failed to read body", http.StatusBadRequest)
			return
		}

		if !verifyAnyHeader(r, body, secret) {
			log.Println("Webhook: Invalid signature")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			return
		}

		var payload map[string]interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body is not a JSON object"})
			return
		}

		memberID := whoop.ResolveMemberID(payload)
		if memberID == "" {
			log.Println("Webhook: Accepted payload with no resolvable member id")
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "reason": "unknown-member"})
			return
		}

		integ, err := svc.IntegrationByMemberID(r.Context(), memberID)
		if err != nil {
			log.Println("Webhook:", err.Error())
			http.Error(w, "Failed to resolve integration", http.StatusInternalServerError)
			return
		}
		if integ == nil {
			// Webhooks keep arriving for accounts that unlinked; acknowledge
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "reason": "unlinked"})
			return
		}

		opts := &syncqueue.Options{SwallowErrors: true}
		if traceID := whoop.ResolveTraceID(payload); traceID != "" {
			// Duplicate deliveries with the same trace collapse to one task
			opts.TaskName = "whoop-webhook-" + traceID
		}

		_, err = svc.Dispatcher().Enqueue(r.Context(), syncqueue.Payload{
			UserID:   integ.UserID,
			MemberID: memberID,
			Reason:   syncqueue.ReasonWebhook,
		}, opts)
		if err != nil {
			// The sender's retry semantics are not ours to control; log and ack
			log.Println("Webhook: Failed to enqueue sync task:", err.Error())
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

// verifyAnyHeader tries every supported signature header name
func verifyAnyHeader(r *http.Request, body []byte, secret string) bool {
	for _, name := range whoop.SignatureHeaders {
		if value := r.Header.Get(name); value != "" {
			if whoop.VerifySignature(body, value, secret) {
				return true
			}
		}
	}
	return false
}

// HandleWhoopManualSync enqueues a manual retry for the current user
func HandleWhoopManualSync(db *gorm.DB, svc *whoop.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := currentUser(r)

		var integ models.WhoopIntegration
		err := db.WithContext(r.Context()).Where("user_id = ?", user.ID).First(&integ).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "No WHOOP integration", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "Failed to read integration", http.StatusInternalServerError)
			return
		}

		payload := syncqueue.Payload{UserID: user.ID, Reason: syncqueue.ReasonManualRetry}
		if integ.WhoopMemberID != nil {
			payload.MemberID = *integ.WhoopMemberID
		}

		task, err := svc.Dispatcher().Enqueue(r.Context(), payload, nil)
		if err != nil {
			log.Println("Whoop manual sync:", err.Error())
			http.Error(w, "Failed to schedule sync", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, task)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
