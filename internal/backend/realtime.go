package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/fjg67/IT-Inventory-sub000/internal/models"
)

const (
	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2

	// jitterDivisor controls the range of random jitter added to the
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// realtimePingInterval keeps the connection alive through NAT
	// timeouts on warehouse networks.
	realtimePingInterval = 30 * time.Second

	// realtimeReadLimit bounds a change-notification frame. Frames only
	// carry entity names, never payloads.
	realtimeReadLimit = 64 * 1024
)

// Realtime listens on the backend's websocket change feed and invokes
// onChange whenever another device pushes changes for an entity type.
// It is purely an early-wake signal for the engine: a missed notification
// costs nothing, because the periodic sync cycle pulls the same changes.
type Realtime struct {
	url      string
	apiKey   string
	device   string
	logger   *slog.Logger
	onChange func(models.EntityType)
}

// NewRealtime creates a change-feed listener. baseURL is the same HTTP
// base URL used by the client; the websocket endpoint is derived from it.
func NewRealtime(baseURL, apiKey, device string, logger *slog.Logger, onChange func(models.EntityType)) *Realtime {
	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/realtime"

	return &Realtime{
		url:      wsURL,
		apiKey:   apiKey,
		device:   device,
		logger:   logger,
		onChange: onChange,
	}
}

// Run connects and listens until the context is cancelled, reconnecting
// with capped exponential backoff on any failure.
func (r *Realtime) Run(ctx context.Context) error {
	backoff := reconnectMin

	for {
		err := r.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := backoff + rand.N(backoff/jitterDivisor)
		r.logger.Warn("realtime connection lost",
			slog.String("error", err.Error()),
			slog.Duration("reconnect_in", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		backoff *= reconnectBackoffMultiplier
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// listen dials, subscribes, and reads frames until the connection drops.
// A clean read resets the caller's backoff via the returned error being
// inspected for connection age, but we keep it simple: any return means
// reconnect.
func (r *Realtime) listen(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, r.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + r.apiKey},
			"X-Device":      []string{r.device},
		},
	})
	if err != nil {
		return fmt.Errorf("dialing realtime feed: %w", err)
	}

	conn.SetReadLimit(realtimeReadLimit)

	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Ping loop keeps idle connections alive. Any write failure cancels
	// the read loop so both sides tear down together.
	go func() {
		ticker := time.NewTicker(realtimePingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				if err := conn.Write(connCtx, websocket.MessageText, []byte(`{"op":"ping"}`)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	r.logger.Info("realtime feed connected", slog.String("url", r.url))

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			if errors.Is(connCtx.Err(), context.Canceled) {
				return connCtx.Err()
			}

			return fmt.Errorf("reading realtime frame: %w", err)
		}

		r.handleFrame(data)
	}
}

// handleFrame parses one feed frame. Frames are parsed tolerantly with
// gjson: the feed multiplexes several message shapes and unknown ops must
// be ignored, not fatal.
func (r *Realtime) handleFrame(data []byte) {
	op := gjson.GetBytes(data, "op").Str

	switch op {
	case "change":
		entity := models.EntityType(gjson.GetBytes(data, "entity").Str)
		if !entity.Valid() {
			r.logger.Debug("realtime change for unknown entity",
				slog.String("entity", string(entity)))

			return
		}

		// Changes originated by this device echo back; the engine's
		// pull dedupes them, so no device filtering is needed here.
		r.onChange(entity)

	case "pong", "":
		// Heartbeat replies and unparseable frames are ignored.

	default:
		r.logger.Debug("unknown realtime op", slog.String("op", op))
	}
}
