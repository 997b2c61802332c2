package routes

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/poppingmoon/misskey-web-push-proxy/internal/models"
	"github.com/poppingmoon/misskey-web-push-proxy/internal/service"
	"github.com/poppingmoon/misskey-web-push-proxy/internal/vapid"
	"github.com/poppingmoon/misskey-web-push-proxy/pkg/metrics"
)

// maxBodySize bounds inbound request bodies. Web Push payloads are at most
// 4 KiB; the margin covers the aes128gcm framing.
const maxBodySize = 64 * 1024

const landingPage = `<!DOCTYPE html>
<html>
<head>
  <meta charset='utf-8'>
  <title>Misskey Web Push Proxy</title>
</head>
<body>
  <h1>Misskey Web Push Proxy</h1>
  <a href="https://github.com/poppingmoon/misskey-web-push-proxy">
    https://github.com/poppingmoon/misskey-web-push-proxy
  </a>
</body>
</html>
`

type handler struct {
	subscriptions *service.Subscriptions
	logger        *slog.Logger
}

// NewRouter wires the relay's HTTP surface.
func NewRouter(subscriptions *service.Subscriptions, m *metrics.Metrics, logger *slog.Logger, started time.Time) http.Handler {
	h := &handler{
		subscriptions: subscriptions,
		logger:        logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/", h.landing).Methods(http.MethodGet)
	r.HandleFunc("/subscriptions", h.create).Methods(http.MethodPost)
	r.HandleFunc("/subscriptions/{id}", h.deliver).Methods(http.MethodPost)
	r.HandleFunc("/subscriptions/{id}", h.delete).Methods(http.MethodDelete)
	r.HandleFunc("/health", health(started)).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	return r
}

func (h *handler) landing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(landingPage))
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	var sub models.Subscription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&sub); err != nil {
		writeMessage(w, http.StatusBadRequest, "The parameters are invalid.")
		return
	}

	created, err := h.subscriptions.Create(r.Context(), &sub)
	if err != nil {
		var validation *models.ValidationError
		if errors.As(err, &validation) {
			writeMessage(w, http.StatusBadRequest, validation.Message)
			return
		}
		h.logger.Error("subscription create failed", slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(created)
}

func (h *handler) deliver(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	authorization := r.Header.Get("Authorization")
	if !vapid.HasScheme(authorization) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	err = h.subscriptions.Deliver(r.Context(), id, authorization, body)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrRevoked):
		w.WriteHeader(http.StatusGone)
	case isAuthError(err):
		w.WriteHeader(http.StatusForbidden)
	case errors.Is(err, service.ErrDeliveryFailed):
		w.WriteHeader(http.StatusBadGateway)
	default:
		h.logger.Error("delivery failed", slog.String("id", id), slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.subscriptions.Delete(r.Context(), id); err != nil {
		h.logger.Error("subscription delete failed", slog.String("id", id), slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func health(started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"message": "relay healthy",
			"meta": map[string]any{
				"uptime_seconds": int(time.Since(started).Seconds()),
				"timestamp":      time.Now().UTC(),
			},
		})
	}
}

func isAuthError(err error) bool {
	var authErr *vapid.AuthError
	return errors.As(err, &authErr)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"message": message,
	})
}
