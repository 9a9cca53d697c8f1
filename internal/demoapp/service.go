// Package demoapp is the checkout service used as the probe target. Its
// admin toggle injects a fault that makes POST /checkout answer 500.
package demoapp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

type Product struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Price   float64 `json:"price"`
	InStock bool    `json:"in_stock"`
}

type CheckoutItem struct {
	ID    string  `json:"id"`
	Price float64 `json:"price"`
}

type checkoutRequest struct {
	Items []CheckoutItem `json:"items"`
}

type Order struct {
	OrderID string         `json:"order_id"`
	Status  string         `json:"status"`
	Items   []CheckoutItem `json:"items"`
	Total   float64        `json:"total"`
}

var catalog = []Product{
	{ID: "1", Name: "Widget A", Price: 19.99, InStock: true},
	{ID: "2", Name: "Widget B", Price: 29.99, InStock: true},
	{ID: "3", Name: "Widget C", Price: 39.99, InStock: false},
}

type Service struct {
	mu         sync.RWMutex
	bugEnabled bool
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) BugEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bugEnabled
}

// SetBug forces the toggle, for tests and startup flags.
func (s *Service) SetBug(enabled bool) {
	s.mu.Lock()
	s.bugEnabled = enabled
	s.mu.Unlock()
}

func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/catalog", s.handleCatalog)
	r.Post("/checkout", s.handleCheckout)
	r.Get("/admin/bug", s.handleGetBug)
	r.Post("/admin/bug", s.handleToggleBug)

	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": float64(time.Now().UnixNano()) / 1e9,
	})
}

func (s *Service) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"products": catalog})
}

func (s *Service) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if s.BugEnabled() {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Internal Server Error",
			"message": "Checkout service unavailable",
		})
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Items == nil {
		req.Items = []CheckoutItem{}
	}

	var total float64
	for _, item := range req.Items {
		total += item.Price
	}

	writeJSON(w, http.StatusOK, Order{
		OrderID: fmt.Sprintf("ORD-%d", time.Now().Unix()),
		Status:  "confirmed",
		Items:   req.Items,
		Total:   total,
	})
}

func (s *Service) handleGetBug(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.BugEnabled()})
}

func (s *Service) handleToggleBug(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.bugEnabled = !s.bugEnabled
	enabled := s.bugEnabled
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
