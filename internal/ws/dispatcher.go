package ws

import (
	"log"

	"github.com/whisper/roomchat/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.JoinMsg, protocol.ChatMsg, etc.).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		sendError(conn, protocol.CodeBadRequest, "invalid message format")
		return
	}

	// Built-in ping handler, no registration required.
	if msgType == protocol.TypePing {
		sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		sendError(conn, protocol.CodeBadRequest, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// send builds a server message and writes it. Failures are logged, not
// propagated; the read loop notices a dead connection on its own.
func send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s message conn=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send %s message conn=%s: %v", msgType, conn.ID, err)
	}
}

func sendError(conn *Connection, code, message string) {
	send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func sendPong(conn *Connection) {
	conn.touch()
	send(conn, protocol.TypePong, protocol.PongMsg{})
}
