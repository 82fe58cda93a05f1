package routers

import (
	"net/http"

	"certmint/handlers"

	"github.com/gorilla/mux"
)

// RegisterRoutes sets up all the HTTP routes for the certificate API
func RegisterRoutes(r *mux.Router, h *handlers.Handler) {

	// Starts a mint attempt; the pipeline runs in the background
	r.HandleFunc("/certificates/mint", h.MintCertificate).Methods("POST")

	// Snapshot of one attempt
	r.HandleFunc("/certificates/mint/{id}", h.GetAttempt).Methods("GET")

	// Progress updates of one attempt as newline-delimited JSON
	r.HandleFunc("/certificates/mint/{id}/events", h.StreamAttempt).Methods("GET")

	// Re-runs a failed attempt from the start
	r.HandleFunc("/certificates/mint/{id}/retry", h.RetryAttempt).Methods("POST")

	// Merged on-chain and local certificates for an account
	r.HandleFunc("/certificates", h.ListCertificates).Methods("GET")

	r.HandleFunc("/certificates/stats", h.GetStats).Methods("GET")

	// Passive wallet account check
	r.HandleFunc("/wallet/account", h.GetAccount).Methods("GET")

	// Used for checking the local record index against the stored records
	r.HandleFunc("/sync/validate", h.ValidateIndex).Methods("GET")
}

// RegisterMetrics exposes the prometheus handler
func RegisterMetrics(r *mux.Router, metrics http.Handler) {
	r.Handle("/metrics", metrics).Methods("GET")
}
