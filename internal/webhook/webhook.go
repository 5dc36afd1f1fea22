// Package webhook receives push notifications from the remote drive and
// hands them to the sync engine as change checks. The handler acknowledges
// fast and never blocks on sync work; retried deliveries of the same change
// collapse inside the engine's check queue.
package webhook

import (
	"crypto/subtle"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/backlinehq/syncd/internal/sync"
)

// Notification headers sent by the remote drive.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerChannelToken  = "X-Goog-Channel-Token"
	headerResourceID    = "X-Goog-Resource-ID"
	headerResourceState = "X-Goog-Resource-State"
)

// stateSync is the initial "watch established" ping, which carries no change.
const stateSync = "sync"

// Notifier is the engine-side sink for validated notifications.
type Notifier interface {
	HandleNotification(channelID, resourceID string) sync.NotifyDisposition
}

// Handler validates and enqueues incoming notifications.
type Handler struct {
	notifier Notifier
	secret   string // optional shared channel token
	logger   zerolog.Logger
}

// NewHandler creates a webhook handler. An empty secret disables token checks.
func NewHandler(notifier Notifier, secret string, logger zerolog.Logger) *Handler {
	return &Handler{
		notifier: notifier,
		secret:   secret,
		logger:   logger.With().Str("component", "webhook").Logger(),
	}
}

// ServeHTTP handles one push notification. The remote retries non-2xx
// responses, so anything that is not a transport problem is acknowledged
// even when the payload is discarded.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	channelID := r.Header.Get(headerChannelID)
	resourceID := r.Header.Get(headerResourceID)
	state := r.Header.Get(headerResourceState)

	if channelID == "" {
		h.logger.Debug().Msg("notification without channel id")
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.secret != "" {
		token := r.Header.Get(headerChannelToken)
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) != 1 {
			h.logger.Warn().Str("channel", channelID).Msg("notification with bad channel token")
			w.WriteHeader(http.StatusForbidden)
			return
		}
	}

	// The registration ping confirms the channel; there is nothing to check.
	if state == stateSync {
		h.logger.Debug().Str("channel", channelID).Msg("watch confirmation ping")
		w.WriteHeader(http.StatusOK)
		return
	}

	disposition := h.notifier.HandleNotification(channelID, resourceID)
	h.logger.Debug().
		Str("channel", channelID).
		Str("resource", resourceID).
		Str("state", state).
		Str("disposition", string(disposition)).
		Msg("notification received")

	w.WriteHeader(http.StatusOK)
}
