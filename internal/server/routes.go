package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Service status
	mux.HandleFunc("/health", s.app.StatusHandler.HealthHandler)
	mux.HandleFunc("/queue", s.app.StatusHandler.QueueHandler)
	mux.HandleFunc("/version", s.app.StatusHandler.VersionHandler)

	// Job submission
	mux.HandleFunc("/run", s.app.SubmitHandler.SubmitRunHandler)
	mux.HandleFunc("/grid-search", s.app.SubmitHandler.SubmitGridSearchHandler)

	// Job listing and per-job subroutes
	mux.HandleFunc("/jobs", s.app.JobHandler.ListJobsHandler)
	mux.HandleFunc("/jobs/", s.app.JobHandler.JobSubrouteHandler)

	return mux
}
