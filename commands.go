package main

import (
	"fmt"
	"strings"
)

// CommandResult is what command dispatch hands back to the REPL for
// display. Quit signals the event loop to unwind.
type CommandResult struct {
	Output string
	Quit   bool
}

// CommandDispatcher translates one-shot user intents into SessionManager
// operations, kept separate from the REPL loop that feeds it.
type CommandDispatcher struct {
	identity *ClientIdentity
	session  *SessionManager
}

func NewCommandDispatcher(identity *ClientIdentity, session *SessionManager) *CommandDispatcher {
	return &CommandDispatcher{identity: identity, session: session}
}

// Dispatch parses one line of REPL input and executes the matching
// command. Unrecognized input yields a usage line, never an error.
func (d *CommandDispatcher) Dispatch(line string) CommandResult {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return CommandResult{}
	}

	switch fields[0] {
	case "info":
		return CommandResult{Output: fmt.Sprintf("id: %s", d.identity.ClientID)}

	case "peers":
		lines := d.session.PeersSummary()
		if len(lines) == 0 {
			return CommandResult{Output: "no known peers"}
		}
		return CommandResult{Output: strings.Join(lines, "\n")}

	case "connect":
		if len(fields) < 2 {
			return CommandResult{Output: "usage: connect <peer_id>"}
		}
		out, err := d.session.HandleConnect(fields[1])
		if err != nil {
			return CommandResult{Output: fmt.Sprintf("connect error: %v", err)}
		}
		return CommandResult{Output: out}

	case "chat":
		if len(fields) < 3 {
			return CommandResult{Output: "usage: chat <peer_query> <msg...>"}
		}
		text := strings.Join(fields[2:], " ")
		out, err := d.session.HandleChat(fields[1], text)
		if err != nil {
			return CommandResult{Output: fmt.Sprintf("chat error: %v", err)}
		}
		return CommandResult{Output: out}

	case "quit", "exit":
		return CommandResult{Output: "bye", Quit: true}

	default:
		return CommandResult{Output: "usage: info | peers | connect <peer_id> | chat <peer_query> <msg...> | quit"}
	}
}
