// Package scripting hosts operator-defined chat commands in a Lua VM.
package scripting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/l1jgo/warden/internal/rcon"
)

// ResolveFunc maps a character name on a server to its chat binding.
// ok is false for unknown or unregistered characters.
type ResolveFunc func(ctx context.Context, server, charName string) (chatID int64, ok bool)

// DMFunc delivers a direct message to a chat user.
type DMFunc func(ctx context.Context, chatID int64, text string) error

type command struct {
	re *regexp.Regexp
	fn *lua.LFunction
}

// Engine wraps a single gopher-lua VM. Scripts call
// register_command(pattern, fn) at load time; Dispatch matches each
// unrouted log line against the registered patterns and invokes the
// handler with (speaker, captures). The restricted API exposed to Lua:
//
//	reply(text)  -- DM the current speaker
//	safe(cmd)    -- run a console command; "@idx" is the session index
//	log(msg)     -- operational log line
//
// One VM, serialized under a mutex. Handlers run on the dispatching
// goroutine.
type Engine struct {
	mu       sync.Mutex
	vm       *lua.LState
	commands []command
	pool     rcon.Executor
	resolve  ResolveFunc
	dm       DMFunc
	log      *zap.Logger

	// current dispatch scope, valid only while mu is held
	ctx     context.Context
	server  string
	speaker string
}

// NewEngine creates the VM, installs the API and loads every .lua file
// in scriptsDir. A missing directory yields an engine with no commands.
func NewEngine(scriptsDir string, pool rcon.Executor, resolve ResolveFunc, dm DMFunc, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, pool: pool, resolve: resolve, dm: dm, log: log}
	vm.SetGlobal("register_command", vm.NewFunction(e.luaRegisterCommand))
	vm.SetGlobal("reply", vm.NewFunction(e.luaReply))
	vm.SetGlobal("safe", vm.NewFunction(e.luaSafe))
	vm.SetGlobal("log", vm.NewFunction(e.luaLog))

	if err := e.loadDir(scriptsDir); err != nil {
		vm.Close()
		return nil, fmt.Errorf("load scripts: %w", err)
	}
	return e, nil
}

// loadDir loads all .lua files in a directory.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // skip missing dirs
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// Dispatch tries the registered commands against one log line. It
// reports whether a handler consumed the line.
func (e *Engine) Dispatch(ctx context.Context, server, speaker, line string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, cmd := range e.commands {
		m := cmd.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		e.ctx, e.server, e.speaker = ctx, server, speaker

		caps := e.vm.NewTable()
		for i, sub := range m[1:] {
			caps.RawSetInt(i+1, lua.LString(sub))
		}

		err := e.vm.CallByParam(lua.P{
			Fn:      cmd.fn,
			NRet:    0,
			Protect: true,
		}, lua.LString(speaker), caps)

		e.ctx, e.server, e.speaker = nil, "", ""

		if err != nil {
			e.log.Error("lua command handler error",
				zap.String("pattern", cmd.re.String()),
				zap.String("server", server), zap.Error(err))
		}
		return true
	}
	return false
}

// Commands returns the number of registered command patterns.
func (e *Engine) Commands() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.commands)
}

// Close shuts down the Lua VM.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vm.Close()
}

// luaRegisterCommand implements register_command(pattern, fn).
func (e *Engine) luaRegisterCommand(L *lua.LState) int {
	pattern := L.CheckString(1)
	fn := L.CheckFunction(2)

	re, err := regexp.Compile(pattern)
	if err != nil {
		L.RaiseError("register_command: bad pattern %q: %v", pattern, err)
		return 0
	}
	e.commands = append(e.commands, command{re: re, fn: fn})
	e.log.Info("lua command registered", zap.String("pattern", pattern))
	return 0
}

// luaReply implements reply(text): a DM to the current speaker. Silently
// inert for unregistered speakers, matching the built-in commands.
func (e *Engine) luaReply(L *lua.LState) int {
	text := L.CheckString(1)
	if e.ctx == nil {
		L.RaiseError("reply called outside a command handler")
		return 0
	}
	chatID, ok := e.resolve(e.ctx, e.server, e.speaker)
	if !ok {
		return 0
	}
	if err := e.dm(e.ctx, chatID, text); err != nil {
		e.log.Warn("lua reply failed",
			zap.String("char", e.speaker), zap.Error(err))
	}
	return 0
}

// luaSafe implements safe(cmd). "@idx" in cmd stands for the speaker's
// session index; the rendered command goes through the sanitizing path,
// so injection attempts from script-captured text are rejected, not sent.
func (e *Engine) luaSafe(L *lua.LState) int {
	cmd := L.CheckString(1)
	if e.ctx == nil {
		L.RaiseError("safe called outside a command handler")
		return 0
	}
	tmpl := func(idx int) string {
		return strings.ReplaceAll(cmd, "@idx", fmt.Sprintf("%d", idx))
	}
	resp, err := e.pool.Safe(e.ctx, e.server, e.speaker, tmpl)
	if err != nil {
		e.log.Warn("lua safe command failed",
			zap.String("server", e.server), zap.String("char", e.speaker),
			zap.Error(err))
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(resp))
	return 1
}

// luaLog implements log(msg).
func (e *Engine) luaLog(L *lua.LState) int {
	msg := L.CheckString(1)
	e.log.Info("lua: "+msg, zap.String("server", e.server))
	return 0
}
