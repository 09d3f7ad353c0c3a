package service

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/grajrb/ProSyncHub-sub000/models"
)

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Sessions      int    `json:"sessions"`
	Subscriptions int    `json:"subscriptions"`
	Connections   int    `json:"connections"`
}

func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Sessions:      s.registry.Count(),
		Subscriptions: s.router.SubscriptionCount(),
		Connections:   s.gateway.ActiveConnections(),
	})
}

// publishHandler is the HTTP seam for mutation handlers running in other
// backend processes: asset/work-order CRUD and the maintenance scorers call
// here instead of touching sockets or the broker themselves.
func (s *Service) publishHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.validToken(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.publishLimiter.Allow() {
		http.Error(w, "Too many publish requests", http.StatusTooManyRequests)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.logger.Error("Could not read publish request body", "error", err)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var envelope models.Event
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if envelope.Type == "" {
		http.Error(w, "Event type is required", http.StatusBadRequest)
		return
	}

	if err := s.publisher.Publish(r.Context(), envelope); err != nil {
		if errors.Is(err, models.ErrInvalidTopic) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("Publish failed", "topic", envelope.Topic, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Service) validToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}
