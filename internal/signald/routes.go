package signald

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes builds the HTTP surface: the store websocket and a liveness
// probe. There is deliberately nothing else to expose.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/ws", s.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}
