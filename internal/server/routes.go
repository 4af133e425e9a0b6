package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Scrape submission and status
	mux.HandleFunc("/api/scrape", s.handleScrapeRoute)   // POST (submit)
	mux.HandleFunc("/api/scrape/", s.handleScrapeRoutes) // GET /{id}

	// Crawl submission, status and cancellation
	mux.HandleFunc("/api/crawl", s.handleCrawlRoute)   // POST (submit)
	mux.HandleFunc("/api/crawl/", s.handleCrawlRoutes) // GET/DELETE /{id}, POST /{id}/cancel

	// Batch scrape: N URLs under one group, no link discovery
	mux.HandleFunc("/api/batch", s.handleBatchRoute) // POST (submit)

	// System
	mux.HandleFunc("/api/version", s.VersionHandler)
	mux.HandleFunc("/api/health", s.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.NotFoundHandler)

	return mux
}

func (s *Server) handleScrapeRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.SubmitScrapeHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleScrapeRoutes routes /api/scrape/{id}
func (s *Server) handleScrapeRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.GetScrapeHandler(w, r)
}

func (s *Server) handleCrawlRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.SubmitCrawlHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCrawlRoutes routes /api/crawl/{id} and /api/crawl/{id}/cancel
func (s *Server) handleCrawlRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == http.MethodPost && strings.HasSuffix(path, "/cancel") {
		s.CancelCrawlHandler(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.GetCrawlStatusHandler(w, r)
	case http.MethodDelete:
		s.CancelCrawlHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleBatchRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.SubmitBatchHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
