package realtime

import (
	"context"
	"encoding/json"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ServeConn streams a subscription's events to an upgraded websocket
// connection until the peer disconnects, the subscription closes, or ctx is
// done. The caller owns authentication and membership checks; by the time a
// connection reaches here it is already entitled to the room.
func ServeConn(ctx context.Context, conn net.Conn, sub *Subscription) {
	defer sub.Close()
	defer conn.Close()

	// Drain client frames so control frames are answered and a peer close
	// unblocks the writer below.
	peerClosed := make(chan struct{})
	go func() {
		defer close(peerClosed)
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = wsutil.WriteServerMessage(conn, ws.OpClose, nil)
			return
		case <-peerClosed:
			return
		case event, ok := <-sub.Events():
			if !ok {
				_ = wsutil.WriteServerMessage(conn, ws.OpClose, nil)
				return
			}
			frame, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := wsutil.WriteServerText(conn, frame); err != nil {
				return
			}
		}
	}
}
