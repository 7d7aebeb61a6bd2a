package server

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/aljazceru/lnflow/internal/config"
	"github.com/aljazceru/lnflow/internal/experiment"
	"github.com/aljazceru/lnflow/internal/store"
)

type Server struct {
	cfg        *config.Config
	logger     *log.Logger
	controller *experiment.Controller
	store      *store.Store
	hub        *eventHub
}

func New(cfg *config.Config, logger *log.Logger, controller *experiment.Controller, st *store.Store) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		controller: controller,
		store:      st,
		hub:        newEventHub(logger),
	}
	controller.SetEventSink(s.hub.broadcast)
	return s
}

func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Printf("listening on http://%s", addr)
	return httpServer.ListenAndServe()
}
