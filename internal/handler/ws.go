package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    []string{"bearer"},
	// Auth is the bearer token, not the origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientFrame is a command sent by a connected client.
type clientFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// websocket upgrades the connection and attaches it to the session.
// The read loop dispatches client commands to the actor; disconnecting
// never cancels an in-flight prompt.
func (h *Handler) websocket(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.sessionActor(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	detach := actor.Attach(conn)
	defer detach()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			actor.Broadcaster().SendError(conn, "malformed frame")
			continue
		}

		switch frame.Type {
		case "prompt":
			if frame.Text == "" {
				actor.Broadcaster().SendError(conn, "prompt requires text")
				continue
			}
			go func(text string) {
				if err := actor.Prompt(text); err != nil {
					actor.Broadcaster().SendError(conn, err.Error())
				}
			}(frame.Text)
		case "pause":
			// context.Background: a socket closing mid-operation must
			// not abort the lifecycle transition.
			go func() {
				if _, err := actor.Pause(context.Background()); err != nil {
					actor.Broadcaster().SendError(conn, err.Error())
				}
			}()
		case "resume":
			go func() {
				if _, err := actor.Resume(context.Background()); err != nil {
					actor.Broadcaster().SendError(conn, err.Error())
				}
			}()
		case "stop":
			go func() {
				if _, err := actor.Stop(context.Background()); err != nil {
					actor.Broadcaster().SendError(conn, err.Error())
				}
			}()
		default:
			actor.Broadcaster().SendError(conn, "unknown frame type: "+frame.Type)
		}
	}
}
