package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// MaxLineBytes bounds a single request line, excluding the trailing newline.
const MaxLineBytes = 1024

// Protocol error codes. Codes below 10 are parse-level: the offending line has
// been consumed and the session can continue. Codes 10 and above are
// read-level and end the session.
const (
	CodeUnknownVerb   = 3
	CodeBadFieldCount = 8
	CodeReadTimeout   = 10
	CodeDisconnected  = 11
	CodeLineTooLong   = 12
)

// NoName is written in place of a semaphore name when none could be parsed.
// "-" is also a legal name, so a MALFORMED_REQUEST reply names nothing by
// itself; replies are matched to requests by order on the connection.
const NoName = "-"

type ProtocolError struct {
	Code    int
	Message string
	Name    string // semaphore name when one could be parsed, for the reply
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// Fatal reports whether the error leaves the stream in a state the session
// cannot recover from.
func (e *ProtocolError) Fatal() bool {
	return e.Code >= CodeReadTimeout
}

type Verb string

const (
	VerbAcquire Verb = "acquire"
	VerbRelease Verb = "release"
)

type Request struct {
	Verb Verb
	Name string
}

// Result is the enumerated outcome carried by every server-to-client line.
type Result int

const (
	Acquired Result = iota + 1
	AlreadyOwned
	Queued
	AlreadyQueued
	Released
	NotOwner
	MalformedRequest
)

var resultNames = map[Result]string{
	Acquired:         "ACQUIRED",
	AlreadyOwned:     "ALREADY_OWNED",
	Queued:           "QUEUED",
	AlreadyQueued:    "ALREADY_QUEUED",
	Released:         "RELEASED",
	NotOwner:         "NOT_OWNER",
	MalformedRequest: "MALFORMED_REQUEST",
}

func (r Result) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// ParseResult maps a wire token back to its Result.
func ParseResult(s string) (Result, bool) {
	for r, name := range resultNames {
		if name == s {
			return r, true
		}
	}
	return 0, false
}

// Message is one server-to-client line: a reply or an unsolicited promotion.
type Message struct {
	Result Result
	Name   string
}

func (m Message) String() string {
	name := m.Name
	if name == "" {
		name = NoName
	}
	return m.Result.String() + " " + name
}

// ReadLine reads one newline-terminated line. A zero timeout disables the
// read deadline. No more than MaxLineBytes+1 bytes are buffered, so a peer
// that never sends a newline is cut off with CodeLineTooLong.
func ReadLine(r *bufio.Reader, timeout time.Duration, conn net.Conn) (string, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", &ProtocolError{Code: CodeReadTimeout, Message: "failed to set deadline"}
	}

	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > MaxLineBytes+1 { // +1 for the \n
			return "", &ProtocolError{Code: CodeLineTooLong, Message: "line too long"}
		}
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "", &ProtocolError{Code: CodeReadTimeout, Message: "read timeout"}
		}
		return "", &ProtocolError{Code: CodeDisconnected, Message: "client disconnected"}
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// ParseRequest parses "<verb> <name>".
func ParseRequest(line string) (*Request, error) {
	parts := strings.Fields(line)
	if len(parts) != 2 {
		return nil, &ProtocolError{
			Code:    CodeBadFieldCount,
			Message: fmt.Sprintf("expected 2 fields, got %d", len(parts)),
			Name:    NoName,
		}
	}
	verb, name := Verb(parts[0]), parts[1]
	switch verb {
	case VerbAcquire, VerbRelease:
	default:
		return nil, &ProtocolError{
			Code:    CodeUnknownVerb,
			Message: fmt.Sprintf("invalid verb %q", parts[0]),
			Name:    name,
		}
	}
	return &Request{Verb: verb, Name: name}, nil
}

// FormatRequest renders a request line, newline included.
func FormatRequest(verb Verb, name string) []byte {
	return []byte(string(verb) + " " + name + "\n")
}

// FormatMessage renders a server line, newline included.
func FormatMessage(m Message) []byte {
	return []byte(m.String() + "\n")
}

// ParseMessage parses a server line of the form "<RESULT> <name>".
func ParseMessage(line string) (Message, error) {
	parts := strings.Fields(line)
	if len(parts) != 2 {
		return Message{}, fmt.Errorf("malformed server line %q", line)
	}
	res, ok := ParseResult(parts[0])
	if !ok {
		return Message{}, fmt.Errorf("unknown result %q", parts[0])
	}
	return Message{Result: res, Name: parts[1]}, nil
}
