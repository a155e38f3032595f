package main

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kwv/vpsanchor/anchor"
)

const wsWriteWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveSnapshots streams the anchor state to websocket clients: the current
// snapshot on connect, then one message per committed iteration. Clients are
// not expected to send anything; a read error ends the stream.
func serveSnapshots(state *anchor.AnchorState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[HTTP] websocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		updates, cancel := state.Subscribe()
		defer cancel()

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if err := writeSnapshot(conn, state.Snapshot()); err != nil {
			return
		}
		for {
			select {
			case <-closed:
				return
			case snap, ok := <-updates:
				if !ok {
					return
				}
				if err := writeSnapshot(conn, snap); err != nil {
					log.Printf("[HTTP] websocket write failed: %v", err)
					return
				}
			}
		}
	}
}

func writeSnapshot(conn *websocket.Conn, snap anchor.Snapshot) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(snap)
}
