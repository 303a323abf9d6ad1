package protocol

import (
	"fmt"
	"strconv"
)

// Command is the name of a client request
type Command string

// Client → Server commands
const (
	CmdCreateLogin       Command = "CreateLogin"
	CmdLogin             Command = "Login"
	CmdChangePassword    Command = "ChangePassword"
	CmdDeleteLogin       Command = "DeleteLogin"
	CmdLogout            Command = "Logout"
	CmdCreateChatroom    Command = "CreateChatroom"
	CmdJoinChatroom      Command = "JoinChatroom"
	CmdLeaveChatroom     Command = "LeaveChatroom"
	CmdDeleteChatroom    Command = "DeleteChatroom"
	CmdListChatrooms     Command = "ListChatrooms"
	CmdPing              Command = "Ping"
	CmdSendMessage       Command = "SendMessage"
	CmdUserOnline        Command = "UserOnline"
	CmdListChatroomUsers Command = "ListChatroomUsers"
)

// Server → Client line names
const (
	KindResult       = "Result"
	KindMessageText  = "MessageText"
	KindMessageError = "MessageError"
)

// Error texts carried by MessageError lines
const (
	ErrTextInvalidCommand = "Invalid command"
	ErrTextLineTooLong    = "Line too long"
	ErrTextRateLimited    = "Rate limit exceeded"
	ErrTextInternal       = "Internal server error"
)

// Arity is the accepted field count range for a command
type Arity struct {
	Min int
	Max int
}

var commandArity = map[Command]Arity{
	CmdCreateLogin:       {2, 2},
	CmdLogin:             {2, 2},
	CmdChangePassword:    {2, 2},
	CmdDeleteLogin:       {1, 1},
	CmdLogout:            {0, 1},
	CmdCreateChatroom:    {3, 3},
	CmdJoinChatroom:      {3, 3},
	CmdLeaveChatroom:     {3, 3},
	CmdDeleteChatroom:    {2, 2},
	CmdListChatrooms:     {1, 1},
	CmdPing:              {0, 1},
	CmdSendMessage:       {3, 3},
	CmdUserOnline:        {2, 2},
	CmdListChatroomUsers: {2, 2},
}

// Commands returns every command the protocol defines
func Commands() []Command {
	cmds := make([]Command, 0, len(commandArity))
	for c := range commandArity {
		cmds = append(cmds, c)
	}
	return cmds
}

// ArityOf reports the field count range of cmd
func ArityOf(cmd Command) (Arity, bool) {
	a, ok := commandArity[cmd]
	return a, ok
}

// ParseCommand decodes a client line into a known command and its fields.
// Errors wrap ErrMalformedLine.
func ParseCommand(raw string) (Command, []string, error) {
	line, err := Decode(raw)
	if err != nil {
		return "", nil, err
	}
	cmd := Command(line.Name)
	arity, ok := commandArity[cmd]
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownCommand, line.Name)
	}
	if n := len(line.Fields); n < arity.Min || n > arity.Max {
		return "", nil, fmt.Errorf("%w: %s takes %d-%d, got %d", ErrFieldCount, cmd, arity.Min, arity.Max, n)
	}
	return cmd, line.Fields, nil
}

// EncodeCommand builds a client request line
func EncodeCommand(cmd Command, fields ...string) string {
	return Encode(string(cmd), fields...)
}

// Result builds "Result|<Cmd>|<true|false>[|extra...]"
func Result(cmd Command, ok bool, extra ...string) string {
	fields := make([]string, 0, 2+len(extra))
	fields = append(fields, string(cmd), strconv.FormatBool(ok))
	fields = append(fields, extra...)
	return Encode(KindResult, fields...)
}

// MessageText builds the line pushed to a recipient of a chat message
func MessageText(sender, target, text string) string {
	return Encode(KindMessageText, sender, target, text)
}

// MessageError builds an unsolicited error line
func MessageError(text string) string {
	return Encode(KindMessageError, text)
}

// Reply is a decoded Result line
type Reply struct {
	Command Command
	OK      bool
	Extra   []string
}

// ParseReply interprets a decoded line as a Result
func ParseReply(line *Line) (*Reply, error) {
	if line.Name != KindResult || len(line.Fields) < 2 {
		return nil, fmt.Errorf("%w: not a result line", ErrMalformedLine)
	}
	ok, err := strconv.ParseBool(line.Fields[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad result flag %q", ErrMalformedLine, line.Fields[1])
	}
	return &Reply{
		Command: Command(line.Fields[0]),
		OK:      ok,
		Extra:   line.Fields[2:],
	}, nil
}

// ChatMessage is a decoded MessageText line
type ChatMessage struct {
	Sender string
	Target string
	Text   string
}

// ParseChatMessage interprets a decoded line as a MessageText
func ParseChatMessage(line *Line) (*ChatMessage, error) {
	if line.Name != KindMessageText || len(line.Fields) != 3 {
		return nil, fmt.Errorf("%w: not a message line", ErrMalformedLine)
	}
	return &ChatMessage{Sender: line.Fields[0], Target: line.Fields[1], Text: line.Fields[2]}, nil
}
