package backend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cory-johannsen/pusher/internal/protocol"
)

// ErrUnknownCommand is returned by Console.Exec for an unrecognised command word.
var ErrUnknownCommand = errors.New("unknown command")

// Command is one parsed console line.
type Command struct {
	// Name is the first word of the line, lowercased.
	Name string
	// Args are the remaining words.
	Args []string
	raw  string
}

// ParseCommand splits a console line into a command word and arguments.
//
// Postcondition: An empty or blank line yields a Command with an empty Name.
func ParseCommand(line string) Command {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}
	}
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	cmd := Command{Name: strings.ToLower(name), raw: rest}
	if rest != "" {
		cmd.Args = strings.Fields(rest)
	}
	return cmd
}

// Tail returns the raw text after the first n arguments, preserving inner spacing.
func (c Command) Tail(n int) string {
	rest := c.raw
	for i := 0; i < n && rest != ""; i++ {
		_, rest, _ = strings.Cut(rest, " ")
		rest = strings.TrimLeft(rest, " ")
	}
	return rest
}

// Console drives a Hub from text commands. It backs the development backend.
type Console struct {
	hub *Hub
}

// NewConsole returns a Console publishing to hub.
func NewConsole(hub *Hub) *Console {
	return &Console{hub: hub}
}

// Help lists the accepted commands.
const Help = `var <room> <name> <value> [readable-by]
edit <room> <id> <payload...>
error <room> <message...>
join <room> <name> <url> [type]
leave <room> <url>
close <room>
fail <room> <message...>
subs <room>`

// Exec runs one console line and returns a human-readable outcome.
//
// Postcondition: A blank line returns "" and a nil error.
func (c *Console) Exec(line string) (string, error) {
	cmd := ParseCommand(line)
	if cmd.Name == "" {
		return "", nil
	}
	need := func(n int) error {
		if len(cmd.Args) < n {
			return fmt.Errorf("%s: expected at least %d arguments, got %d", cmd.Name, n, len(cmd.Args))
		}
		return nil
	}

	var ev protocol.BackendPayload
	switch cmd.Name {
	case "var":
		if err := need(3); err != nil {
			return "", err
		}
		v := &protocol.Variable{Name: cmd.Args[1], Value: cmd.Args[2]}
		if len(cmd.Args) > 3 {
			v.ReadableBy = cmd.Args[3]
		}
		ev = v
	case "edit":
		if err := need(3); err != nil {
			return "", err
		}
		ev = &protocol.EditMapCommand{ID: cmd.Args[1], Payload: []byte(cmd.Tail(2))}
	case "error":
		if err := need(2); err != nil {
			return "", err
		}
		ev = &protocol.ErrorMessage{Message: cmd.Tail(1)}
	case "join":
		if err := need(3); err != nil {
			return "", err
		}
		room := &protocol.MucRoom{Name: cmd.Args[1], URL: cmd.Args[2], Type: "default"}
		if len(cmd.Args) > 3 {
			room.Type = cmd.Args[3]
		}
		ev = &protocol.JoinMucRoom{Room: room}
	case "leave":
		if err := need(2); err != nil {
			return "", err
		}
		ev = &protocol.LeaveMucRoom{URL: cmd.Args[1]}
	case "close":
		if err := need(1); err != nil {
			return "", err
		}
		return fmt.Sprintf("closed %d streams", c.hub.CloseRoom(cmd.Args[0])), nil
	case "fail":
		if err := need(2); err != nil {
			return "", err
		}
		return fmt.Sprintf("failed %d streams", c.hub.FailRoom(cmd.Args[0], cmd.Tail(1))), nil
	case "subs":
		if err := need(1); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d streams", c.hub.Subscribers(cmd.Args[0])), nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownCommand, cmd.Name)
	}

	n := c.hub.Publish(cmd.Args[0], &protocol.BackendEvent{Payload: ev})
	return fmt.Sprintf("delivered to %d streams", n), nil
}
