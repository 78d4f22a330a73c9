package wsserver

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/opd-ai/relay/internal/envelope"
)

// outboundFrame is the server-to-client WebSocket frame shape: the server
// may push {type:"message", body:Envelope} frames unsolicited.
type outboundFrame struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// inboundFrame is the client-to-server WebSocket frame shape. Only the ack
// operation is handled here; PUT/GET/DELETE-equivalent frames are wired
// through internal/httpapi's request/response handling, not this package —
// this package owns connect/disconnect and the flush loop, not the full
// request surface.
type inboundFrame struct {
	Type string    `json:"type"`
	GUID uuid.UUID `json:"guid"`
}

const frameTypeMessage = "message"
const frameTypeAck = "ack"

func writeMessageFrame(conn net.Conn, env *envelope.Envelope) error {
	body, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("wsserver: marshal envelope for frame: %w", err)
	}
	data, err := json.Marshal(outboundFrame{Type: frameTypeMessage, Body: body})
	if err != nil {
		return fmt.Errorf("wsserver: marshal frame: %w", err)
	}
	return wsutil.WriteServerMessage(conn, ws.OpText, data)
}

// readInboundFrame blocks for the next client frame. ok is false (with a
// nil error) on a client-initiated close frame, distinguishing a clean
// close from a read error.
func readInboundFrame(conn net.Conn) (frame inboundFrame, ok bool, err error) {
	msg, err := wsutil.ReadClientData(conn)
	if err != nil {
		return inboundFrame{}, false, err
	}
	if msg.OpCode == ws.OpClose {
		return inboundFrame{}, false, nil
	}
	if msg.OpCode != ws.OpText {
		return inboundFrame{}, true, nil
	}
	if err := json.Unmarshal(msg.Payload, &frame); err != nil {
		return inboundFrame{}, false, fmt.Errorf("wsserver: unmarshal inbound frame: %w", err)
	}
	return frame, true, nil
}

func writeCloseFrame(conn net.Conn, code ws.StatusCode, reason string) error {
	return ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}

// StatusReplaced is the close code sent to a session displaced by a newer
// connection for the same device.
const StatusReplaced ws.StatusCode = 4000
