package clientproto

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformedCommand is returned by readCommand when a client line
// does not match any command in spec.md §4.7's table.
var ErrMalformedCommand = errors.New("clientproto: malformed command")

// CommandKind enumerates the client→daemon commands of spec.md §4.7.
type CommandKind int

const (
	CmdSetup CommandKind = iota
	CmdJoin
	CmdLeave
	CmdStopDone
	CmdStartDone
	CmdSend
	CmdGetGroups
	CmdGetGroup
	CmdDump
	CmdLog
)

func (k CommandKind) String() string {
	switch k {
	case CmdSetup:
		return "setup"
	case CmdJoin:
		return "join"
	case CmdLeave:
		return "leave"
	case CmdStopDone:
		return "stop_done"
	case CmdStartDone:
		return "start_done"
	case CmdSend:
		return "send"
	case CmdGetGroups:
		return "get_groups"
	case CmdGetGroup:
		return "get_group"
	case CmdDump:
		return "dump"
	case CmdLog:
		return "log"
	default:
		return "unknown"
	}
}

// Command is one parsed client request (spec.md §4.7's command table).
type Command struct {
	Kind CommandKind

	// Type and Level are set by CmdSetup.
	Type  string
	Level uint16

	// Name is the group name, set by every command except CmdSetup,
	// CmdGetGroups, CmdDump, and CmdLog.
	Name string

	// EventNr is set by CmdStartDone.
	EventNr uint32

	// Body is the opaque payload of CmdSend.
	Body []byte
}

// readCommand parses a single line-oriented command off br, per
// spec.md §4.7. CmdSend is the one variable-length exception: its
// header line ends in a decimal byte count, followed immediately by
// exactly that many raw bytes (which may themselves contain any byte
// value, including '\n', so they cannot be read with ReadString).
func readCommand(br *bufio.Reader) (Command, error) {
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		return Command{}, err
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, ErrMalformedCommand
	}

	switch fields[0] {
	case "setup":
		if len(fields) != 3 {
			return Command{}, ErrMalformedCommand
		}
		level, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			return Command{}, errors.Wrap(ErrMalformedCommand, "setup level")
		}
		return Command{Kind: CmdSetup, Type: fields[1], Level: uint16(level)}, nil

	case "join":
		if len(fields) != 2 {
			return Command{}, ErrMalformedCommand
		}
		return Command{Kind: CmdJoin, Name: fields[1]}, nil

	case "leave":
		if len(fields) != 2 {
			return Command{}, ErrMalformedCommand
		}
		return Command{Kind: CmdLeave, Name: fields[1]}, nil

	case "stop_done":
		if len(fields) != 2 {
			return Command{}, ErrMalformedCommand
		}
		return Command{Kind: CmdStopDone, Name: fields[1]}, nil

	case "start_done":
		if len(fields) != 3 {
			return Command{}, ErrMalformedCommand
		}
		nr, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return Command{}, errors.Wrap(ErrMalformedCommand, "start_done event_nr")
		}
		return Command{Kind: CmdStartDone, Name: fields[1], EventNr: uint32(nr)}, nil

	case "send":
		if len(fields) != 3 {
			return Command{}, ErrMalformedCommand
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil || n < 0 {
			return Command{}, errors.Wrap(ErrMalformedCommand, "send length")
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(br, body); err != nil {
			return Command{}, errors.Wrap(err, "send body")
		}
		// A single framing newline always follows the payload; discard
		// it if present so the next ReadString starts on a clean line.
		if b, err := br.Peek(1); err == nil && b[0] == '\n' {
			_, _ = br.Discard(1)
		}
		return Command{Kind: CmdSend, Name: fields[1], Body: body}, nil

	case "get_groups":
		return Command{Kind: CmdGetGroups}, nil

	case "get_group":
		if len(fields) != 2 {
			return Command{}, ErrMalformedCommand
		}
		return Command{Kind: CmdGetGroup, Name: fields[1]}, nil

	case "dump":
		return Command{Kind: CmdDump}, nil

	case "log":
		return Command{Kind: CmdLog}, nil

	default:
		return Command{}, errors.Wrapf(ErrMalformedCommand, "unknown verb %q", fields[0])
	}
}
