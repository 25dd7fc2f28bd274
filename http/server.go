// Package http exposes the observer surface of a draw engine: read-only round
// and balance endpoints, plus the inbound reveal adapter randomness providers
// post to.
package http

import (
	"context"
	goerrors "errors"
	"net/http"

	"github.com/go-chi/chi"
	json "github.com/nikkolasg/hexjson"

	"github.com/drand/fairdraw/draw"
	storeerrors "github.com/drand/fairdraw/draw/errors"
	"github.com/drand/fairdraw/log"
	"github.com/drand/fairdraw/metrics"
)

// Service is what the handler needs from an engine.
type Service interface {
	Round(ctx context.Context, id string) (*draw.Round, error)
	Rounds(ctx context.Context) ([]*draw.Round, error)
	Owed(ctx context.Context, beneficiary string) (uint64, error)
	OnReveal(ctx context.Context, sequence uint64, remoteRandomness []byte) error
}

// New creates the HTTP handler for the observer API.
func New(service Service, l log.Logger) http.Handler {
	h := &handler{
		service: service,
		log:     l.Named("http"),
	}

	r := chi.NewRouter()
	r.Get("/rounds", h.Rounds)
	r.Get("/rounds/{roundID}", h.Round)
	r.Get("/rounds/{roundID}/outcome", h.Outcome)
	r.Get("/rounds/{roundID}/winners", h.Winners)
	r.Get("/balances/{beneficiary}", h.Balance)
	r.Post("/reveal", h.Reveal)
	r.Mount("/metrics", metrics.DrawHandler())
	return r
}

type handler struct {
	service Service
	log     log.Logger
}

func (h *handler) json(w http.ResponseWriter, r *http.Request, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.Warnw("failed to marshal response", "path", r.URL.Path, "err", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		h.log.Warnw("failed to write response", "path", r.URL.Path, "err", err)
	}
}

func (h *handler) round(w http.ResponseWriter, r *http.Request) (*draw.Round, bool) {
	id := chi.URLParam(r, "roundID")
	round, err := h.service.Round(r.Context(), id)
	if goerrors.Is(err, storeerrors.ErrNoRoundStored) {
		http.Error(w, "round not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		h.log.Warnw("failed to load round", "round", id, "err", err)
		return nil, false
	}
	return round, true
}

func (h *handler) Rounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := h.service.Rounds(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		h.log.Warnw("failed to list rounds", "err", err)
		return
	}
	type summary struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Entries int    `json:"entries"`
		Pool    uint64 `json:"pool_amount"`
	}
	out := make([]summary, 0, len(rounds))
	for _, round := range rounds {
		out = append(out, summary{
			ID:      round.ID,
			Status:  round.Status.String(),
			Entries: len(round.Entries),
			Pool:    round.PoolAmount,
		})
	}
	h.json(w, r, out)
}

func (h *handler) Round(w http.ResponseWriter, r *http.Request) {
	round, ok := h.round(w, r)
	if !ok {
		return
	}
	h.json(w, r, round)
}

// Outcome serves the final randomness of a fulfilled round. Pending rounds
// answer 425 so pollers can tell "not yet" from "never".
func (h *handler) Outcome(w http.ResponseWriter, r *http.Request) {
	round, ok := h.round(w, r)
	if !ok {
		return
	}
	if len(round.FinalOutcome) == 0 {
		http.Error(w, "outcome not available", http.StatusTooEarly)
		return
	}
	h.json(w, r, struct {
		ID      string `json:"id"`
		Outcome []byte `json:"final_outcome"`
	}{round.ID, round.FinalOutcome})
}

func (h *handler) Winners(w http.ResponseWriter, r *http.Request) {
	round, ok := h.round(w, r)
	if !ok {
		return
	}
	if round.Status != draw.Settled {
		http.Error(w, "winners not available", http.StatusTooEarly)
		return
	}
	h.json(w, r, round.Winners)
}

func (h *handler) Balance(w http.ResponseWriter, r *http.Request) {
	beneficiary := chi.URLParam(r, "beneficiary")
	owed, err := h.service.Owed(r.Context(), beneficiary)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		h.log.Warnw("failed to load balance", "beneficiary", beneficiary, "err", err)
		return
	}
	h.json(w, r, struct {
		Beneficiary string `json:"beneficiary"`
		Owed        uint64 `json:"owed"`
	}{beneficiary, owed})
}

type revealRequest struct {
	Sequence         uint64 `json:"sequence"`
	RemoteRandomness []byte `json:"remote_randomness"`
}

// Reveal is the inbound adapter providers post reveals to. It answers 200 for
// unknown or already-consumed sequences too, matching the tolerant engine
// semantics, so provider-side retries stay cheap.
func (h *handler) Reveal(w http.ResponseWriter, r *http.Request) {
	var req revealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid reveal payload", http.StatusBadRequest)
		return
	}
	if req.Sequence == 0 || len(req.RemoteRandomness) == 0 {
		http.Error(w, "sequence and remote_randomness are required", http.StatusBadRequest)
		return
	}
	if err := h.service.OnReveal(r.Context(), req.Sequence, req.RemoteRandomness); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		h.log.Warnw("failed to consume reveal", "sequence", req.Sequence, "err", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
