package ws

import (
	"context"
	"errors"
	"time"

	"github.com/coworkhub/chatsync/internal/api"
	"github.com/coworkhub/chatsync/internal/chat"
	"github.com/coworkhub/chatsync/internal/engine"
	"github.com/coworkhub/chatsync/internal/protocol"
	"github.com/coworkhub/chatsync/internal/ratelimit"
	"github.com/coworkhub/chatsync/internal/subscription"
)

// registerEngineHandlers binds the bridge commands to e. Join and send can
// block on subscription readiness, so they run off the read goroutine and
// answer with an ack or an error frame when done.
func registerEngineHandlers(d *MessageDispatcher, e Engine, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultServerConfig().CommandTimeout
	}
	withTimeout := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), timeout)
	}

	d.Register(protocol.TypeJoin, func(conn *Connection, msg interface{}) {
		m := msg.(protocol.JoinMsg)
		if m.ChannelID == "" {
			d.sendError(conn, protocol.CodeBadRequest, "channel_id is required")
			return
		}
		go func() {
			if m.Force {
				if err := e.Join(m.ChannelID, true); err != nil {
					d.sendError(conn, errorCode(err), err.Error())
					return
				}
			}
			ctx, cancel := withTimeout()
			defer cancel()
			if err := e.JoinAndWait(ctx, m.ChannelID); err != nil {
				d.sendError(conn, errorCode(err), err.Error())
				return
			}
			d.sendAck(conn, protocol.AckMsg{Of: protocol.TypeJoin, ChannelID: m.ChannelID})
		}()
	})

	d.Register(protocol.TypeLeave, func(conn *Connection, msg interface{}) {
		m := msg.(protocol.LeaveMsg)
		if m.ChannelID == "" {
			d.sendError(conn, protocol.CodeBadRequest, "channel_id is required")
			return
		}
		e.Leave(m.ChannelID)
		d.sendAck(conn, protocol.AckMsg{Of: protocol.TypeLeave, ChannelID: m.ChannelID})
	})

	d.Register(protocol.TypeSend, func(conn *Connection, msg interface{}) {
		m := msg.(protocol.SendMsg)
		if m.ChannelID == "" {
			d.sendError(conn, protocol.CodeBadRequest, "channel_id is required")
			return
		}
		go func() {
			ctx, cancel := withTimeout()
			defer cancel()
			ev, err := e.SendMessage(ctx, m.ChannelID, api.SendRequest{
				Content:     m.Content,
				Kind:        m.Kind,
				Attachments: m.Attachments,
				ReplyTo:     m.ReplyTo,
			})
			if err != nil {
				d.sendError(conn, errorCode(err), err.Error())
				return
			}
			d.sendAck(conn, protocol.AckMsg{Of: protocol.TypeSend, ChannelID: m.ChannelID, MessageID: ev.ID})
		}()
	})

	d.Register(protocol.TypeTyping, func(conn *Connection, msg interface{}) {
		m := msg.(protocol.TypingMsg)
		if m.ChannelID == "" {
			d.sendError(conn, protocol.CodeBadRequest, "channel_id is required")
			return
		}
		if m.IsTyping {
			e.NotifyTyping(m.ChannelID)
		} else {
			e.StopTyping(m.ChannelID)
		}
	})

	d.Register(protocol.TypeMarkRead, func(conn *Connection, msg interface{}) {
		m := msg.(protocol.MarkReadMsg)
		if m.ChannelID == "" {
			d.sendError(conn, protocol.CodeBadRequest, "channel_id is required")
			return
		}
		ctx, cancel := withTimeout()
		defer cancel()
		e.MarkChannelRead(ctx, m.ChannelID)
		d.sendAck(conn, protocol.AckMsg{Of: protocol.TypeMarkRead, ChannelID: m.ChannelID})
	})
}

// errorCode maps engine errors onto bridge error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrInvalidMessage):
		return protocol.CodeInvalid
	case errors.Is(err, ratelimit.ErrSlowMode):
		return protocol.CodeSlowMode
	case errors.Is(err, subscription.ErrJoinTimeout):
		return protocol.CodeJoinTimeout
	case errors.Is(err, engine.ErrNotSubscribed):
		return protocol.CodeNotSubscribed
	default:
		return protocol.CodeUpstream
	}
}
