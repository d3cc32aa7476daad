package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"transitmap/internal/domain"
	"transitmap/internal/favorites"
	"transitmap/internal/feed"
	"transitmap/internal/hub"
)

// WSHandler serves map sessions. Each session owns a viewport feed; vehicle
// watches and favorites updates come through the hub.
type WSHandler struct {
	hub            *hub.Hub
	fetcher        feed.Fetcher
	feedCfg        feed.Config
	favorites      *favorites.Store
	originPatterns []string
	feedOpts       []feed.Option
	validate       *validator.Validate
	logger         *slog.Logger
}

func NewWSHandler(h *hub.Hub, fetcher feed.Fetcher, feedCfg feed.Config, fav *favorites.Store, originPatterns []string, logger *slog.Logger, feedOpts ...feed.Option) *WSHandler {
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return &WSHandler{
		hub:            h,
		fetcher:        fetcher,
		feedCfg:        feedCfg,
		favorites:      fav,
		originPatterns: originPatterns,
		feedOpts:       feedOpts,
		validate:       validator.New(),
		logger:         logger.With("component", "websocket"),
	}
}

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ViewportPayload struct {
	Region domain.Region `json:"region"`
}

type WatchPayload struct {
	RouteID string `json:"routeId" validate:"required"`
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	ServerStats.IncWSConnections()
	defer ServerStats.DecWSConnections()

	client := hub.NewClient(uuid.New().String(), 256)
	logger := h.logger.With("client_id", client.ID)

	f := feed.New(h.fetcher, h.feedCfg, logger, h.feedOpts...)
	client.AttachFeed(f)
	unsubscribe := f.Subscribe(func(s feed.Snapshot) {
		h.send(client, hub.NewSnapshotMessage(s))
	})

	h.hub.Register(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if h.favorites != nil && h.favorites.Ready() {
		h.send(client, hub.NewFavoritesMessage(h.favorites.State()))
	}

	go h.writeLoop(ctx, conn, client)

	h.readLoop(ctx, conn, client, f, logger)

	unsubscribe()
	f.Close()
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client, f *feed.Feed, logger *slog.Logger) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Debug("websocket read error", "error", err)
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}
		ServerStats.IncWSMessagesIn()

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("invalid message format", "error", err)
			h.send(client, hub.NewErrorMessage("invalid message format"))
			continue
		}

		h.dispatch(client, f, msg, logger)
	}
}

func (h *WSHandler) dispatch(client *hub.Client, f *feed.Feed, msg WSMessage, logger *slog.Logger) {
	switch msg.Type {
	case "viewport":
		var payload ViewportPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			h.send(client, hub.NewErrorMessage("invalid viewport payload"))
			return
		}
		if err := h.validate.Struct(payload.Region); err != nil {
			h.send(client, hub.NewErrorMessage(domain.ErrInvalidRegion.Error()))
			return
		}
		if err := payload.Region.Validate(); err != nil {
			h.send(client, hub.NewErrorMessage(err.Error()))
			return
		}
		f.OnViewportChange(payload.Region)

	case "watch":
		var payload WatchPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || h.validate.Struct(payload) != nil {
			h.send(client, hub.NewErrorMessage("invalid watch payload"))
			return
		}
		vehicles, err := h.hub.Watch(client, payload.RouteID)
		if err != nil {
			h.send(client, hub.NewErrorMessage(err.Error()))
			return
		}
		logger.Debug("watching route", "route_id", payload.RouteID, "known_vehicles", len(vehicles))
		if len(vehicles) > 0 {
			h.send(client, hub.NewVehiclesSnapshotMessage(payload.RouteID, vehicles))
		}

	case "unwatch":
		var payload WatchPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || h.validate.Struct(payload) != nil {
			h.send(client, hub.NewErrorMessage("invalid unwatch payload"))
			return
		}
		h.hub.Unwatch(client, payload.RouteID)

	case "ping":
		h.send(client, hub.Message{Type: hub.TypePong})

	default:
		h.send(client, hub.NewErrorMessage("unknown message type: "+msg.Type))
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
			ServerStats.IncWSMessagesOut()

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) send(client *hub.Client, msg hub.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if !client.Enqueue(data) {
		h.logger.Debug("failed to send message, buffer full", "client_id", client.ID, "type", msg.Type)
	}
}
