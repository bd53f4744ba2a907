package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"

	"github.com/feltmark/boardcast/internal/metrics"
)

const maxNegotiateBodyBytes = 2 << 20

// Handler exposes the screen-share negotiation endpoints over HTTP.
//
// Negotiation is synchronous: the offer arrives in the request body and the
// fully gathered answer is returned in the response. ICE trickle after the
// answer travels over the relay, not over HTTP.
type Handler struct {
	Manager *Manager
	Log     *slog.Logger
	Metrics *metrics.Metrics

	// MaxNegotiationsPerSecond bounds negotiate calls per remote host.
	// Zero disables the limit.
	MaxNegotiationsPerSecond int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sfu/broadcast", h.handleBroadcast)
	mux.HandleFunc("POST /sfu/subscribe", h.handleSubscribe)
	mux.HandleFunc("PUT /sfu/poll", h.handlePoll)
}

func (h *Handler) Handler() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

type negotiateRequest struct {
	RoomID   string                    `json:"roomId"`
	UserID   string                    `json:"userId"`
	SDPOffer webrtc.SessionDescription `json:"sdpOffer"`
}

func (req *negotiateRequest) validate() error {
	if strings.TrimSpace(req.RoomID) == "" {
		return errors.New("roomId is required")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return errors.New("userId is required")
	}
	if req.SDPOffer.Type != webrtc.SDPTypeOffer {
		return errors.New("sdpOffer.type must be \"offer\"")
	}
	if req.SDPOffer.SDP == "" {
		return errors.New("sdpOffer.sdp is required")
	}
	return nil
}

type negotiateResponse struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

type pollRequest struct {
	RoomID string `json:"roomId"`
}

type pollResponse struct {
	RoomHasProducer bool `json:"roomHasProducer"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	h.negotiate(w, r, h.Manager.AddProducer)
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	h.negotiate(w, r, h.Manager.AddConsumer)
}

type negotiateFunc func(ctx context.Context, roomName, userID string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)

func (h *Handler) negotiate(w http.ResponseWriter, r *http.Request, add negotiateFunc) {
	if h.Manager == nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "sfu manager not configured")
		return
	}
	if !h.allowRemote(r.RemoteAddr) {
		h.incMetric(metrics.EventSFUNegotiationErr)
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many negotiation requests")
		return
	}

	var req negotiateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNegotiateBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid negotiation request")
		return
	}
	if err := req.validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	answer, err := add(r.Context(), req.RoomID, req.UserID, req.SDPOffer)
	if err != nil {
		h.incMetric(metrics.EventSFUNegotiationErr)
		status, code := negotiateErrorStatus(err)
		if h.Log != nil && status >= http.StatusInternalServerError {
			h.Log.Error("negotiation failed", "room", req.RoomID, "user", req.UserID, "err", err)
		}
		writeJSONError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, negotiateResponse{SDP: *answer})
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	if h.Manager == nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "sfu manager not configured")
		return
	}

	var req pollRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNegotiateBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid poll request")
		return
	}
	if strings.TrimSpace(req.RoomID) == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "roomId is required")
		return
	}

	writeJSON(w, http.StatusOK, pollResponse{RoomHasProducer: h.Manager.RoomHasProducer(req.RoomID)})
}

func negotiateErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrProducerExists):
		return http.StatusConflict, "producer_exists"
	case errors.Is(err, ErrNoProducer):
		return http.StatusNotFound, "no_producer"
	case errors.Is(err, ErrNoStream):
		return http.StatusServiceUnavailable, "no_stream"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) allowRemote(remoteAddr string) bool {
	if h.MaxNegotiationsPerSecond <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	h.mu.Lock()
	if h.limiters == nil {
		h.limiters = make(map[string]*rate.Limiter)
	}
	lim, ok := h.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(h.MaxNegotiationsPerSecond), h.MaxNegotiationsPerSecond)
		h.limiters[host] = lim
	}
	h.mu.Unlock()

	return lim.Allow()
}

func (h *Handler) incMetric(name string) {
	if h.Metrics != nil {
		h.Metrics.Inc(name)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
