package broadcast

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin enforcement belongs to the edge proxy in front of the engine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades websocket requests and attaches them to the hub.
type Handler struct {
	hub      *Hub
	registry Registry
	log      *slog.Logger
}

func NewHandler(hub *Hub, registry Registry, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{hub: hub, registry: registry, log: log}
}

// Subscribe is GET /ws/auctions/{id}. The connection joins the auction topic;
// passing watch=1 additionally records the caller in the watcher registry
// (user id from the authenticated principal header set by the edge).
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]
	if auctionID == "" {
		http.Error(w, "missing auction id", http.StatusBadRequest)
		return
	}

	topic := TopicAuction(auctionID)
	userID := r.Header.Get("X-User-ID")
	if r.URL.Query().Get("watch") == "1" {
		topic = TopicWatchers(auctionID)
		if userID != "" {
			if err := h.registry.Watch(r.Context(), auctionID, userID); err != nil {
				h.log.Warn("watcher registration failed", "auction", auctionID, "user", userID, "err", err)
			}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "auction", auctionID, "err", err)
		return
	}

	h.hub.Join(topic, conn)
}
