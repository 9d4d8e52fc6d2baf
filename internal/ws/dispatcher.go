package ws

import (
	"github.com/rs/zerolog"

	"github.com/coworkhub/chatsync/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.JoinMsg, protocol.SendMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping itself and sends structured
// error responses for malformed or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
	log      zerolog.Logger
}

// NewMessageDispatcher creates a MessageDispatcher bound to the given server.
// The server reference is used for its write timeout.
func NewMessageDispatcher(server *Server, logger zerolog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
		log:      logger,
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses the raw bytes into a typed message, handles ping
// internally, and routes all other types to the registered handler. Parse
// errors and unregistered types result in an error frame.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug().Err(err).Str("conn", conn.ID).Msg("dispatch parse error")
		d.sendError(conn, protocol.CodeBadRequest, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug().Str("conn", conn.ID).Str("type", msgType).Msg("unsupported message type")
		d.sendError(conn, protocol.CodeBadRequest, "unsupported message type")
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	d.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *MessageDispatcher) sendAck(conn *Connection, ack protocol.AckMsg) {
	d.send(conn, protocol.TypeAck, ack)
}

// send writes a frame back to conn. Failures are logged; a broken connection
// is reaped by its read loop.
func (d *MessageDispatcher) send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error().Err(err).Str("type", msgType).Msg("build frame")
		return
	}
	timeout := DefaultServerConfig().WriteTimeout
	if d.server != nil {
		timeout = d.server.config.WriteTimeout
	}
	if err := conn.WriteMessage(data, timeout); err != nil {
		d.log.Debug().Err(err).Str("conn", conn.ID).Str("type", msgType).Msg("send frame failed")
	}
}
