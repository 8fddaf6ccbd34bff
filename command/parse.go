package command

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
)

// Parse builds a Command from a decoded frame, resolving SET expiries
// against the current time
func Parse(f protocol.Frame) (Command, error) {
	return ParseAt(f, time.Now())
}

// ParseAt is Parse with an explicit clock reading. A frame carrying no
// arguments, or a name outside the supported set, yields Unrecognized with a
// nil error. Missing required arguments yield an *ArgError.
func ParseAt(f protocol.Frame, now time.Time) (Command, error) {
	return ParseArgs(protocol.Args(f), now)
}

// ParseArgs builds a Command from an argument vector whose first element is
// the command name
func ParseArgs(args []string, now time.Time) (Command, error) {
	if len(args) == 0 {
		return Unrecognized{}, nil
	}

	switch strings.ToLower(args[0]) {
	case "ping":
		return Ping{Message: arg(args, 1)}, nil
	case "echo":
		return Echo{Message: arg(args, 1)}, nil
	case "get":
		if len(args) < 2 {
			return nil, &ArgError{Command: "get", Err: ErrMissingKey}
		}
		return Get{Key: args[1]}, nil
	case "set":
		return parseSet(args, now)
	case "info":
		return Info{}, nil
	case "replconf":
		return ReplConf{Options: append([]string(nil), args[1:]...)}, nil
	case "psync":
		return Psync{ReplID: arg(args, 1), Offset: arg(args, 2)}, nil
	case "eval":
		body, keys, argv, err := parseScriptCall("eval", args)
		if err != nil {
			return nil, err
		}
		return Eval{Script: body, Keys: keys, Argv: argv}, nil
	case "evalsha":
		sha, keys, argv, err := parseScriptCall("evalsha", args)
		if err != nil {
			return nil, err
		}
		return EvalSHA{SHA: strings.ToLower(sha), Keys: keys, Argv: argv}, nil
	case "script":
		if len(args) < 2 {
			return nil, &ArgError{Command: "script", Err: ErrMissingSubcommand}
		}
		return Script{
			Subcommand: strings.ToLower(args[1]),
			Argv:       append([]string(nil), args[2:]...),
		}, nil
	case "hello":
		return Hello{Protover: arg(args, 1)}, nil
	default:
		return Unrecognized{Argv: append([]string(nil), args...)}, nil
	}
}

func parseSet(args []string, now time.Time) (Command, error) {
	switch {
	case len(args) < 2:
		return nil, &ArgError{Command: "set", Err: ErrMissingKey}
	case len(args) < 3:
		return nil, &ArgError{Command: "set", Err: ErrMissingValue}
	}

	set := Set{
		Key:   args[1],
		Value: args[2],
		raw:   append([]string(nil), args...),
	}

	if len(args) >= 5 {
		set.ExpireAt = parseExpiry(args[3], args[4], now)
	}

	return set, nil
}

// parseExpiry turns an EX/PX pair into an absolute instant. Unknown units and
// magnitudes that are not positive integers mean no expiry.
func parseExpiry(unitToken, amountToken string, now time.Time) *time.Time {
	var unit time.Duration
	switch strings.ToLower(unitToken) {
	case "ex":
		unit = time.Second
	case "px":
		unit = time.Millisecond
	default:
		return nil
	}

	amount, err := strconv.ParseInt(amountToken, 10, 64)
	if err != nil || amount <= 0 || amount > math.MaxInt64/int64(unit) {
		return nil
	}

	at := now.Add(time.Duration(amount) * unit)
	return &at
}

// parseScriptCall splits "EVAL body numkeys key... arg..." into its parts
func parseScriptCall(name string, args []string) (string, []string, []string, error) {
	if len(args) < 2 {
		return "", nil, nil, &ArgError{Command: name, Err: ErrMissingScript}
	}

	numKeys := 0
	if len(args) > 2 {
		n, err := strconv.Atoi(args[2])
		if err != nil || n < 0 || n > len(args)-3 {
			return "", nil, nil, &ArgError{Command: name, Err: ErrInvalidNumKeys}
		}
		numKeys = n
	}

	var keys, argv []string
	if len(args) > 3 {
		keys = append(keys, args[3:3+numKeys]...)
		argv = append(argv, args[3+numKeys:]...)
	}

	return args[1], keys, argv, nil
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
