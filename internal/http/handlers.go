// Package httpapi is the thin HTTP adapter over the dispatch engine.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
)

const maxBodyBytes = 1 << 20

type Server struct {
	engine   *dispatch.Engine
	verifier auth.Verifier
	ws       http.Handler
	logger   *slog.Logger
	mux      *mux.Router
}

// NewServer builds the router. ws may be nil when the process serves no
// websocket clients.
func NewServer(engine *dispatch.Engine, verifier auth.Verifier, ws http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		engine:   engine,
		verifier: verifier,
		ws:       ws,
		logger:   logger.With("component", "http"),
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.ws != nil {
		s.mux.Handle("/ws", s.ws).Methods(http.MethodGet)
	}

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.identityMiddleware)
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/bids", s.handleListBids).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/bids", s.handleSubmitBid).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/bids/{bid_id}/accept", s.handleAcceptBid).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/drivers/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req dispatch.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.Create(r.Context(), caller(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	c := caller(r)
	ok, err := s.engine.CanObserve(r.Context(), c, rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, r, &dispatch.Error{Kind: dispatch.ErrUnauthorized, Op: "get_ride", RideID: rideID})
		return
	}
	ride, err := s.engine.GetRide(r.Context(), rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	ok, err := s.engine.CanObserve(r.Context(), caller(r), rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, r, &dispatch.Error{Kind: dispatch.ErrUnauthorized, Op: "history", RideID: rideID})
		return
	}
	h, err := s.engine.History(r.Context(), rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": rideID, "transitions": h})
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	ok, err := s.engine.CanObserve(r.Context(), caller(r), rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, r, &dispatch.Error{Kind: dispatch.ErrUnauthorized, Op: "list_bids", RideID: rideID})
		return
	}
	bids, err := s.engine.ListPending(r.Context(), rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": rideID, "bids": bids})
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var req dispatch.BidRequest
	if !decode(w, r, &req) {
		return
	}
	bid, err := s.engine.SubmitBid(r.Context(), caller(r), mux.Vars(r)["id"], req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ride, err := s.engine.AcceptBid(r.Context(), caller(r), vars["id"], vars["bid_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ride, err := s.engine.Start(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var data models.CompletionData
	if r.ContentLength != 0 && !decode(w, r, &data) {
		return
	}
	ride, err := s.engine.Complete(r.Context(), caller(r), mux.Vars(r)["id"], data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	ride, err := s.engine.Cancel(r.Context(), caller(r), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "lat and lon are required numbers"})
		return
	}
	var radius float64
	if v := q.Get("radius_km"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "radius_km must be a number"})
			return
		}
		radius = f
	}
	drivers, err := s.engine.FindNearby(r.Context(), models.Coord{Lat: lat, Lon: lon}, radius)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(drivers), "drivers": drivers})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req dispatch.HeartbeatRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := s.engine.Heartbeat(r.Context(), caller(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type errorBody struct {
	Error  string            `json:"error"`
	Kind   string            `json:"kind,omitempty"`
	Op     string            `json:"op,omitempty"`
	RideID string            `json:"ride_id,omitempty"`
	Status models.RideStatus `json:"status,omitempty"`
}

// statusFor maps engine error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, dispatch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrInvalidState),
		errors.Is(err, dispatch.ErrDuplicateBid),
		errors.Is(err, dispatch.ErrBidCapExceeded),
		errors.Is(err, dispatch.ErrRideNotBiddable):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrDependencyUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var de *dispatch.Error
	if errors.As(err, &de) {
		body.Kind = de.Kind.Error()
		body.Op = de.Op
		body.RideID = de.RideID
		body.Status = de.Status
		if info := infoFromContext(r.Context()); info != nil {
			info.errorKind = body.Kind
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "err", err, "request_id", requestIDFromContext(r.Context()))
	}
	writeJSON(w, status, body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error(), Kind: dispatch.ErrInvalidRequest.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func caller(r *http.Request) dispatch.Caller {
	id, _ := auth.FromContext(r.Context())
	return dispatch.Caller{ID: id.UserID, Role: id.Role}
}
