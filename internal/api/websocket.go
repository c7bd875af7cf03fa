package api

import (
	"net/http"
	"strings"

	"subsync/internal/ws"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The gateway fronts a local UI; cross-origin upgrades are fine here.
		return true
	},
}

func (d Dependencies) wsHandler(w http.ResponseWriter, r *http.Request) {
	if d.Hub == nil {
		d.Log.Error("WebSocket hub not initialized")
		http.Error(w, "WebSocket hub not initialized", http.StatusInternalServerError)
		return
	}

	id := d.extractClientID(r)
	if id == "" {
		id = "anonymous"
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.Log.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	d.Log.Debug("WebSocket connected",
		zap.String("client_id", id),
		zap.String("remote", r.RemoteAddr),
	)

	wsConn := ws.NewConn(conn, d.Hub, id)
	d.Hub.Register(wsConn)

	go wsConn.WritePump()
	go wsConn.ReadPump()
}

func (d Dependencies) extractClientID(r *http.Request) string {
	for _, subprotocol := range websocket.Subprotocols(r) {
		if subprotocol != "jwt" {
			continue
		}

		tokenString := r.URL.Query().Get("token")
		if tokenString == "" {
			tokenString = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if tokenString == "" {
			continue
		}

		secret := d.JWTSecret
		if secret == "" {
			secret = "default-secret-key-change-in-production"
		}
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			continue
		}
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if id, ok := claims["client_id"].(string); ok && id != "" {
				return id
			}
			if id, ok := claims["sub"].(string); ok && id != "" {
				return id
			}
		}
	}

	// Development fallback.
	return r.Header.Get("X-Client-ID")
}
