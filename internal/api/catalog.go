package api

import (
	"net/http"

	"github.com/willynikes2/GenOS/internal/catalog"
	"github.com/willynikes2/GenOS/internal/sched"
)

// catalogResponse is the offering: what can be requested, not what is free.
type catalogResponse struct {
	Images       []catalog.Image       `json:"images"`
	Applications []catalog.Application `json:"applications"`
	Runtimes     []string              `json:"runtimes"`
}

func (s *Server) handleGetCatalog(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, catalogResponse{
		Images:       s.catalog.Images,
		Applications: s.catalog.Applications,
		Runtimes:     s.catalog.Runtimes,
	})
}

type hostsResponse struct {
	Hosts       []sched.HostUtilization `json:"hosts"`
	QueueDepths map[string]int          `json:"queue_depths"`
}

func (s *Server) handleListHosts(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, hostsResponse{
		Hosts:       s.scheduler.Hosts(),
		QueueDepths: s.scheduler.QueueDepths(),
	})
}
