package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/api/feeopt", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/channels", s.handleChannels)
		r.Get("/channels/{id}", s.handleChannel)
		r.Get("/rules", s.handleRulePerformance)
		r.Get("/report", s.handleReport)
		r.Get("/config", s.handleConfigGet)
		r.Post("/config", s.handleConfigPost)
		r.Post("/run", s.handleRunCycle)
		r.Get("/events", s.handleEventsWebsocket)
	})

	return r
}
