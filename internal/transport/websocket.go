package transport

import (
	"net/http"
	"time"

	"github.com/bryanchriswhite/ScreenGuard/internal/advisory"
	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
	"github.com/bryanchriswhite/ScreenGuard/internal/relay"
	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// Bridge attaches a WebSocket client as the relay's listener. The newest
// client wins; a replaced client stays connected but receives nothing.
type Bridge struct {
	relay    *relay.Relay[advisory.Decision]
	upgrader websocket.Upgrader
}

// NewBridge creates a bridge over r
func NewBridge(r *relay.Relay[advisory.Decision]) *Bridge {
	return &Bridge{
		relay: r,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local clients only
			},
		},
	}
}

// ServeHTTP upgrades the request and streams decision messages until the
// client goes away
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("websocket")

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// Deliveries are serialized by the relay, so this is the only writer
	detach := b.relay.Attach(func(d advisory.Decision) error {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(d.Message())
	})
	defer detach()

	log.Info().Str("remote", r.RemoteAddr).Msg("Decision listener connected")

	// Clients never send anything meaningful; reading surfaces the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("Decision listener dropped")
			}
			break
		}
	}
	log.Info().Str("remote", r.RemoteAddr).Msg("Decision listener disconnected")
}
