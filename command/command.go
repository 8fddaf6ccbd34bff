package command

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrMissingKey is returned when GET or SET has no key argument
	ErrMissingKey = errors.New("missing key")

	// ErrMissingValue is returned when SET has no value argument
	ErrMissingValue = errors.New("missing value")

	// ErrMissingScript is returned when EVAL or EVALSHA has no script body or digest
	ErrMissingScript = errors.New("missing script")

	// ErrInvalidNumKeys is returned when the numkeys argument of EVAL/EVALSHA
	// is not a number or exceeds the remaining arguments
	ErrInvalidNumKeys = errors.New("invalid number of keys")

	// ErrMissingSubcommand is returned when SCRIPT has no subcommand
	ErrMissingSubcommand = errors.New("missing subcommand")
)

// ArgError reports a command whose required arguments were absent or invalid
type ArgError struct {
	Command string
	Err     error
}

func (e *ArgError) Error() string {
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *ArgError) Unwrap() error {
	return e.Err
}

// Command is one typed request. The set of implementations is closed, so a
// type switch over the types in this package is exhaustive.
type Command interface {
	// Name returns the lower-cased command name
	Name() string

	// Args renders the command back to its request argument vector
	Args() []string

	command()
}

// Ping checks liveness. The optional message is carried but not echoed.
type Ping struct {
	Message string
}

// Echo returns its message
type Echo struct {
	Message string
}

// Get reads one key
type Get struct {
	Key string
}

// Set writes one key with an optional absolute expiry
type Set struct {
	Key      string
	Value    string
	ExpireAt *time.Time

	// raw is the request as received, kept for verbatim propagation
	raw []string
}

// Info requests the replication section
type Info struct{}

// ReplConf carries replica configuration options as sent
type ReplConf struct {
	Options []string
}

// Psync requests synchronization from a master
type Psync struct {
	ReplID string
	Offset string
}

// Eval runs a Lua script body
type Eval struct {
	Script string
	Keys   []string
	Argv   []string
}

// EvalSHA runs a cached Lua script by its SHA1 digest
type EvalSHA struct {
	SHA  string
	Keys []string
	Argv []string
}

// Script manages the Lua script cache (LOAD, EXISTS, FLUSH)
type Script struct {
	Subcommand string
	Argv       []string
}

// Hello opens a client session. Only the requested protocol version is
// kept; authentication and client naming are not supported.
type Hello struct {
	Protover string
}

// Unrecognized is anything else, including malformed frames
type Unrecognized struct {
	Argv []string
}

func (Ping) command()         {}
func (Echo) command()         {}
func (Get) command()          {}
func (Set) command()          {}
func (Info) command()         {}
func (ReplConf) command()     {}
func (Psync) command()        {}
func (Eval) command()         {}
func (EvalSHA) command()      {}
func (Script) command()       {}
func (Hello) command()        {}
func (Unrecognized) command() {}

func (Ping) Name() string     { return "ping" }
func (Echo) Name() string     { return "echo" }
func (Get) Name() string      { return "get" }
func (Set) Name() string      { return "set" }
func (Info) Name() string     { return "info" }
func (ReplConf) Name() string { return "replconf" }
func (Psync) Name() string    { return "psync" }
func (Eval) Name() string     { return "eval" }
func (EvalSHA) Name() string  { return "evalsha" }
func (Script) Name() string   { return "script" }
func (Hello) Name() string    { return "hello" }

// Name returns the first argument as received, or "" for an empty request
func (u Unrecognized) Name() string {
	if len(u.Argv) == 0 {
		return ""
	}
	return u.Argv[0]
}

// UnknownLabel is the label every unrecognized command is counted under
const UnknownLabel = "unknown"

// Label returns the name cmd is counted under in metrics. Unlike Name, it
// never echoes client input: all unrecognized commands share UnknownLabel.
func Label(cmd Command) string {
	if _, ok := cmd.(Unrecognized); ok {
		return UnknownLabel
	}
	return cmd.Name()
}

func (p Ping) Args() []string {
	if p.Message == "" {
		return []string{"PING"}
	}
	return []string{"PING", p.Message}
}

func (e Echo) Args() []string { return []string{"ECHO", e.Message} }

func (g Get) Args() []string { return []string{"GET", g.Key} }

// NewSet builds a SET without an expiry, as issued from inside the server
func NewSet(key, value string) Set {
	return Set{Key: key, Value: value}
}

// Args returns the request exactly as it was received. A Set built in code
// renders as SET key value, plus PX with the remaining lifetime when it
// carries an expiry.
func (s Set) Args() []string {
	if s.raw != nil {
		return append([]string(nil), s.raw...)
	}
	args := []string{"SET", s.Key, s.Value}
	if s.ExpireAt != nil {
		ms := time.Until(*s.ExpireAt).Milliseconds()
		if ms < 1 {
			ms = 1
		}
		args = append(args, "PX", strconv.FormatInt(ms, 10))
	}
	return args
}

func (Info) Args() []string { return []string{"INFO"} }

func (r ReplConf) Args() []string {
	return append([]string{"REPLCONF"}, r.Options...)
}

func (p Psync) Args() []string { return []string{"PSYNC", p.ReplID, p.Offset} }

// FullResync reports whether this is the "PSYNC ? -1" full resynchronization
// request, the only form that starts a sync
func (p Psync) FullResync() bool {
	return p.ReplID == "?" && p.Offset == "-1"
}

func (e Eval) Args() []string {
	return scriptArgs("EVAL", e.Script, e.Keys, e.Argv)
}

func (e EvalSHA) Args() []string {
	return scriptArgs("EVALSHA", e.SHA, e.Keys, e.Argv)
}

func (s Script) Args() []string {
	return append([]string{"SCRIPT", s.Subcommand}, s.Argv...)
}

func (h Hello) Args() []string {
	if h.Protover == "" {
		return []string{"HELLO"}
	}
	return []string{"HELLO", h.Protover}
}

func (u Unrecognized) Args() []string {
	return append([]string(nil), u.Argv...)
}

func scriptArgs(name, body string, keys, argv []string) []string {
	args := make([]string, 0, 3+len(keys)+len(argv))
	args = append(args, name, body, strconv.Itoa(len(keys)))
	args = append(args, keys...)
	return append(args, argv...)
}
