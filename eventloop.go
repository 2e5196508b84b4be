package main

import (
	"context"
	"log"
	"strings"
)

// EventLoop is the single logical owner of client state: it is the only
// goroutine that ever mutates SessionManager/PeerDirectory, fed by two
// producers, the transport's inbound channel and the REPL's command
// channel.
type EventLoop struct {
	transport  Transport
	session    *SessionManager
	dispatcher *CommandDispatcher
	metrics    *Metrics

	Commands chan string
	Output   chan string
}

func NewEventLoop(transport Transport, session *SessionManager, dispatcher *CommandDispatcher, metrics *Metrics) *EventLoop {
	return &EventLoop{
		transport:  transport,
		session:    session,
		dispatcher: dispatcher,
		metrics:    metrics,
		Commands:   make(chan string, 16),
		Output:     make(chan string, 16),
	}
}

// Run multiplexes transport events and REPL commands against the single
// owning reference to client state until the context is cancelled or a
// "quit"/"exit" command is processed. Both producers feed this one select
// loop and nothing else mutates session/directory state.
func (l *EventLoop) Run(ctx context.Context) {
	defer close(l.Output)
	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-l.transport.Inbound():
			if !ok {
				return
			}
			l.handleInbound(msg)

		case line, ok := <-l.Commands:
			if !ok {
				return
			}
			result := l.dispatcher.Dispatch(line)
			if result.Output != "" {
				l.Output <- result.Output
			}
			if result.Quit {
				return
			}
		}
	}
}

// handleInbound routes each delivered (topic, payload) to the matching
// SessionManager handler. Any error here is logged and the event dropped;
// the loop itself never stops on a processing error.
func (l *EventLoop) handleInbound(msg InboundMessage) {
	switch {
	case strings.HasPrefix(msg.Topic, "relay/k/"):
		if err := l.session.HandleKeyPackageInbound(msg.Topic, msg.Payload); err != nil {
			l.logDropped(msg.Topic, err)
		}

	case strings.HasPrefix(msg.Topic, "relay/w/"):
		if err := l.session.HandleWelcomeInbound(msg.Payload); err != nil {
			l.logDropped(msg.Topic, err)
			return
		}
		l.Output <- "[system] session established"

	case strings.HasSuffix(msg.Topic, "/m") && strings.HasPrefix(msg.Topic, "relay/g/"):
		event, err := l.session.HandleGroupMessage(msg.Topic, msg.Payload)
		if err != nil {
			l.logDropped(msg.Topic, err)
			return
		}
		if event != nil && !event.Silent {
			l.Output <- formatPeerName(event.Peer) + event.Display
		}

	case strings.HasSuffix(msg.Topic, "/i") && strings.HasPrefix(msg.Topic, "relay/g/"):
		// GroupInfo for external observers; this client has no
		// external-join path to act on it.

	default:
		log.Printf("[eventloop] unrecognized topic %s", msg.Topic)
	}
}

func (l *EventLoop) logDropped(topic string, err error) {
	if l.metrics != nil {
		l.metrics.EventErrors.Inc()
	}
	log.Printf("[eventloop] error processing inbox on %s: %v", topic, err)
}

func formatPeerName(peer string) string {
	short := peer
	if len(short) > 8 {
		short = short[:8]
	}
	return "<" + short + "> "
}
