package lua

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/raniellyferreira/redis-inmemory-node/command"
	"github.com/raniellyferreira/redis-inmemory-node/protocol"
)

// DefaultTimeout bounds the run time of a single script
const DefaultTimeout = 5 * time.Second

var (
	// ErrNoScript is returned by EvalSHA for a digest that was never loaded
	ErrNoScript = errors.New("NOSCRIPT No matching script. Please use EVAL")

	// ErrTimeout is returned when a script runs past the engine's timeout
	ErrTimeout = errors.New("script timed out")
)

// ReplyError is an error reply produced by the script itself, either by
// returning an {err=...} table or through redis.error_reply
type ReplyError struct {
	Message string
}

func (e *ReplyError) Error() string {
	return e.Message
}

// Executor runs a command issued from a script through redis.call or
// redis.pcall and returns the frame a client would have received.
type Executor func(cmd command.Command) protocol.Frame

// Engine provides Redis-compatible Lua script execution
type Engine struct {
	exec    Executor
	now     func() time.Time
	timeout time.Duration
	mu      sync.Mutex // one script at a time
	scripts sync.Map   // map[string]string - SHA1 -> script content
}

// NewEngine creates a new Lua execution engine. Commands issued by scripts
// are handed to exec.
func NewEngine(exec Executor) *Engine {
	return &Engine{
		exec:    exec,
		now:     time.Now,
		timeout: DefaultTimeout,
	}
}

// SetTimeout sets how long a script may run before it is aborted.
// Non-positive values are ignored.
func (e *Engine) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		e.mu.Lock()
		e.timeout = timeout
		e.mu.Unlock()
	}
}

// Eval executes a Lua script with the given keys and arguments
func (e *Engine) Eval(script string, keys []string, args []string) (protocol.Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	L := newSandbox()
	defer L.Close()

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	L.SetContext(ctx)

	e.setupRedisAPI(L, keys, args)

	if err := L.DoString(script); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w after %v", ErrTimeout, e.timeout)
		}
		return nil, fmt.Errorf("script execution error: %w", err)
	}

	// Only the first returned value counts
	var ret lua.LValue = lua.LNil
	if L.GetTop() > 0 {
		ret = L.Get(1)
	}
	return toFrame(ret)
}

// EvalSHA executes a previously loaded script by its SHA1 hash
func (e *Engine) EvalSHA(sha1 string, keys []string, args []string) (protocol.Frame, error) {
	script, exists := e.scripts.Load(strings.ToLower(sha1))
	if !exists {
		return nil, ErrNoScript
	}

	return e.Eval(script.(string), keys, args)
}

// LoadScript loads a script and returns its SHA1 hash
func (e *Engine) LoadScript(script string) string {
	hash := fmt.Sprintf("%x", sha1.Sum([]byte(script)))
	e.scripts.Store(hash, script)
	return hash
}

// ScriptExists checks if scripts with given SHA1 hashes exist
func (e *Engine) ScriptExists(hashes []string) []bool {
	results := make([]bool, len(hashes))
	for i, hash := range hashes {
		_, exists := e.scripts.Load(strings.ToLower(hash))
		results[i] = exists
	}
	return results
}

// ScriptFlush removes all cached scripts
func (e *Engine) ScriptFlush() {
	e.scripts.Range(func(key, value interface{}) bool {
		e.scripts.Delete(key)
		return true
	})
}

// newSandbox opens a state with only the base, table, string and math
// libraries loaded
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	// No file access from scripts
	for _, name := range []string{"dofile", "loadfile", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) setupRedisAPI(L *lua.LState, keys []string, args []string) {
	L.SetGlobal("KEYS", stringTable(L, keys))
	L.SetGlobal("ARGV", stringTable(L, args))

	redisTable := L.NewTable()
	L.SetFuncs(redisTable, map[string]lua.LGFunction{
		"call":         e.redisCall,
		"pcall":        e.redisPCall,
		"status_reply": statusReply,
		"error_reply":  errorReply,
	})
	L.SetGlobal("redis", redisTable)
}

// redisCall implements redis.call(), raising a Lua error on failure
func (e *Engine) redisCall(L *lua.LState) int {
	reply, err := e.executeRedisCommand(L)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(toLuaValue(L, reply))
	return 1
}

// redisPCall implements redis.pcall(), returning failures as an {err=...} table
func (e *Engine) redisPCall(L *lua.LState) int {
	reply, err := e.executeRedisCommand(L)
	if err != nil {
		L.Push(errorTable(L, err.Error()))
		return 1
	}
	L.Push(toLuaValue(L, reply))
	return 1
}

func (e *Engine) executeRedisCommand(L *lua.LState) (protocol.Frame, error) {
	argc := L.GetTop()
	if argc == 0 {
		return nil, errors.New("please specify at least one argument for this redis lib call")
	}

	args := make([]string, argc)
	for i := 1; i <= argc; i++ {
		switch v := L.Get(i).(type) {
		case lua.LString:
			args[i-1] = string(v)
		case lua.LNumber:
			args[i-1] = formatNumber(v)
		default:
			return nil, errors.New("lua redis lib command arguments must be strings or integers")
		}
	}

	cmd, err := command.ParseArgs(args, e.now())
	if err != nil {
		return nil, err
	}

	switch cmd.(type) {
	case command.Ping, command.Echo, command.Get, command.Set:
		return e.exec(cmd), nil
	default:
		return nil, fmt.Errorf("unknown or unsupported command from script: '%s'", args[0])
	}
}

func statusReply(L *lua.LState) int {
	t := L.NewTable()
	t.RawSetString("ok", lua.LString(L.CheckString(1)))
	L.Push(t)
	return 1
}

func errorReply(L *lua.LState) int {
	L.Push(errorTable(L, L.CheckString(1)))
	return 1
}

func errorTable(L *lua.LState, msg string) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("err", lua.LString(msg))
	return t
}

func stringTable(L *lua.LState, items []string) *lua.LTable {
	t := L.CreateTable(len(items), 0)
	for i, item := range items {
		t.RawSetInt(i+1, lua.LString(item)) // Lua arrays are 1-indexed
	}
	return t
}

// toLuaValue converts a command reply into the value a script sees.
// A null bulk becomes false, a status becomes an {ok=...} table.
func toLuaValue(L *lua.LState, f protocol.Frame) lua.LValue {
	switch v := f.(type) {
	case protocol.SimpleStatus:
		t := L.NewTable()
		t.RawSetString("ok", lua.LString(v.Text))
		return t
	case protocol.Bulk:
		if v.Null {
			return lua.LFalse
		}
		return lua.LString(v.Text)
	case protocol.Array:
		return stringTable(L, v)
	default:
		return lua.LFalse
	}
}

// toFrame converts a script's return value into a reply frame
func toFrame(lv lua.LValue) (protocol.Frame, error) {
	switch v := lv.(type) {
	case lua.LString:
		return protocol.BulkString(string(v)), nil
	case lua.LNumber:
		return protocol.BulkString(formatNumber(v)), nil
	case lua.LBool:
		if v {
			return protocol.BulkString("1"), nil
		}
		return protocol.NullBulk(), nil
	case *lua.LTable:
		if msg, ok := v.RawGetString("err").(lua.LString); ok {
			return nil, &ReplyError{Message: string(msg)}
		}
		if status, ok := v.RawGetString("ok").(lua.LString); ok {
			return protocol.Status(string(status)), nil
		}
		return toArray(v), nil
	default:
		return protocol.NullBulk(), nil
	}
}

// toArray walks the array part of a table up to the first nil
func toArray(t *lua.LTable) protocol.Array {
	items := make(protocol.Array, 0, t.Len())
	for i := 1; ; i++ {
		switch v := t.RawGetInt(i).(type) {
		case *lua.LNilType:
			return items
		case lua.LString:
			items = append(items, string(v))
		case lua.LNumber:
			items = append(items, formatNumber(v))
		case lua.LBool:
			if v {
				items = append(items, "1")
			} else {
				items = append(items, "")
			}
		default:
			items = append(items, v.String())
		}
	}
}

// formatNumber truncates toward zero the way Redis converts Lua numbers
// to integer replies
func formatNumber(n lua.LNumber) string {
	return strconv.FormatInt(int64(n), 10)
}
