package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/model"
)

var sourcePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// webhookRequest is the JSON body of a package update notification. Units
// may also be given as repeated "unit" query parameters.
type webhookRequest struct {
	Units  []string `json:"units"`
	Image  string   `json:"image"`
	Reason string   `json:"reason"`
	Caller string   `json:"caller"`
}

// handleWebhook accepts an update notification from an external source.
// Signature checks belong to the proxy in front of this service.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	if !sourcePattern.MatchString(source) {
		s.writeError(w, http.StatusBadRequest, "invalid webhook source")
		return
	}

	var req webhookRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Units = append(req.Units, r.URL.Query()["unit"]...)

	caller := req.Caller
	if caller == "" {
		caller = r.RemoteAddr
	}
	reason := req.Reason
	if reason == "" {
		reason = "update notification from " + source
	}

	t, err := s.engine.CreateAndDispatch(r.Context(), engine.Request{
		Kind:    model.KindWebhook,
		Trigger: model.Trigger{Source: "webhook:" + source, Caller: caller, Reason: reason, Path: r.URL.Path},
		Units:   req.Units,
		Params: model.Params{
			PullImage: true,
			Image:     req.Image,
		},
	})
	if err != nil {
		s.writeTaskError(w, err, "create webhook task")
		return
	}

	triggersAccepted.WithLabelValues(t.Trigger.Source).Inc()
	s.writeJSON(w, http.StatusAccepted, t)
}
