// Package plugin runs Lua world plugins. Scripts may define on_load() and
// on_update(t) and drive the simulation through a global world table whose
// functions only enqueue requests; nothing a script calls mutates the
// registry directly.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/signalsfoundry/worldsim/internal/logging"
	"github.com/signalsfoundry/worldsim/internal/msgs"
	"github.com/signalsfoundry/worldsim/model"
	"github.com/signalsfoundry/worldsim/timectrl"
)

// APIVersion is exposed to scripts as the global API_VERSION.
const APIVersion = 1

// ErrClosed is returned when loading into a closed host.
var ErrClosed = errors.New("plugin host closed")

// World is the part of the simulation a plugin host drives.
type World interface {
	InsertEntity(description string, replace, initialize bool)
	DeleteEntity(name string)
	ReceiveMessage(m msgs.Message) error
	SimTime() time.Duration
	Scheduler() *timectrl.Scheduler
	AddUpdateListener(fn func(simTime time.Duration))
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the host logger.
func WithLogger(l logging.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.log = l
		}
	}
}

type script struct {
	name     string
	onLoad   *lua.LFunction
	onUpdate *lua.LFunction
}

// Host owns one Lua VM shared by all loaded scripts. The VM is guarded by a
// mutex: scripts are loaded from the caller's goroutine while update hooks
// and scheduled callbacks run on the simulation loop.
type Host struct {
	world World
	log   logging.Logger

	mu      sync.Mutex
	vm      *lua.LState
	scripts []*script
	closed  bool
	errors  int
}

// New creates a host bound to w and registers its update hook.
func New(w World, opts ...Option) *Host {
	h := &Host{
		world: w,
		log:   logging.Noop(),
		vm:    lua.NewState(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With(logging.String("component", "plugin"))

	h.vm.SetGlobal("API_VERSION", lua.LNumber(APIVersion))
	h.vm.SetGlobal("world", h.worldTable())

	w.AddUpdateListener(h.update)
	return h
}

// LoadString evaluates a script and runs its on_load hook.
func (h *Host) LoadString(name, src string) error {
	return h.load(name, func() error { return h.vm.DoString(src) })
}

// LoadFile evaluates a script file and runs its on_load hook.
func (h *Host) LoadFile(path string) error {
	return h.load(filepath.Base(path), func() error { return h.vm.DoFile(path) })
}

// LoadDir loads every .lua file in dir in name order. A missing directory
// is not an error.
func (h *Host) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for i, name := range names {
		if err := h.LoadFile(filepath.Join(dir, name)); err != nil {
			return i, err
		}
	}
	return len(names), nil
}

func (h *Host) load(name string, run func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	// Hooks are globals; clear them so each script registers its own.
	h.vm.SetGlobal("on_load", lua.LNil)
	h.vm.SetGlobal("on_update", lua.LNil)
	if err := run(); err != nil {
		return fmt.Errorf("load plugin %s: %w", name, err)
	}

	s := &script{name: name}
	if fn, ok := h.vm.GetGlobal("on_load").(*lua.LFunction); ok {
		s.onLoad = fn
	}
	if fn, ok := h.vm.GetGlobal("on_update").(*lua.LFunction); ok {
		s.onUpdate = fn
	}
	h.vm.SetGlobal("on_load", lua.LNil)
	h.vm.SetGlobal("on_update", lua.LNil)
	h.scripts = append(h.scripts, s)

	if s.onLoad != nil {
		if err := h.vm.CallByParam(lua.P{Fn: s.onLoad, NRet: 0, Protect: true}); err != nil {
			h.errors++
			return fmt.Errorf("plugin %s on_load: %w", name, err)
		}
	}
	h.log.Info(context.Background(), "plugin loaded",
		logging.String("plugin", name), logging.Bool("on_update", s.onUpdate != nil))
	return nil
}

// Loaded returns the names of the loaded scripts.
func (h *Host) Loaded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, len(h.scripts))
	for i, s := range h.scripts {
		names[i] = s.name
	}
	return names
}

// Errors returns the number of script errors raised so far.
func (h *Host) Errors() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errors
}

// Close shuts down the VM. Later hooks are ignored.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.vm.Close()
}

// update runs every on_update hook with the sim time in seconds.
func (h *Host) update(simTime time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	t := lua.LNumber(simTime.Seconds())
	for _, s := range h.scripts {
		if s.onUpdate == nil {
			continue
		}
		if err := h.vm.CallByParam(lua.P{Fn: s.onUpdate, NRet: 0, Protect: true}, t); err != nil {
			h.errors++
			h.log.Error(context.Background(), "plugin on_update failed",
				logging.String("plugin", s.name), logging.Err(err))
		}
	}
}

func (h *Host) worldTable() *lua.LTable {
	t := h.vm.NewTable()
	h.vm.SetFuncs(t, map[string]lua.LGFunction{
		"insert":   h.luaInsert,
		"delete":   h.luaDelete,
		"pause":    h.luaPause,
		"step":     h.luaStep,
		"select":   h.luaSelect,
		"set_pose": h.luaSetPose,
		"sim_time": h.luaSimTime,
		"after":    h.luaAfter,
		"cancel":   h.luaCancel,
		"log":      h.luaLog,
	})
	return t
}

// world.insert(description [, replace [, initialize]])
func (h *Host) luaInsert(L *lua.LState) int {
	desc := L.CheckString(1)
	replace := L.OptBool(2, false)
	initialize := L.OptBool(3, true)
	h.world.InsertEntity(desc, replace, initialize)
	return 0
}

// world.delete(name)
func (h *Host) luaDelete(L *lua.LState) int {
	h.world.DeleteEntity(L.CheckString(1))
	return 0
}

// world.pause([paused]) returns nil or an error string.
func (h *Host) luaPause(L *lua.LState) int {
	return h.send(L, msgs.NewPause(L.OptBool(1, true)))
}

// world.step([n])
func (h *Host) luaStep(L *lua.LState) int {
	n := L.OptInt(1, 1)
	if n < 1 {
		L.ArgError(1, "step count must be positive")
		return 0
	}
	return h.send(L, msgs.NewStep(n))
}

// world.select(name); an empty name clears the selection.
func (h *Host) luaSelect(L *lua.LState) int {
	return h.send(L, msgs.NewSelect(L.OptString(1, "")))
}

// world.set_pose(name, x, y, z [, roll, pitch, yaw])
func (h *Host) luaSetPose(L *lua.LState) int {
	name := L.CheckString(1)
	pose := model.NewPose(
		float64(L.CheckNumber(2)), float64(L.CheckNumber(3)), float64(L.CheckNumber(4)),
		float64(L.OptNumber(5, 0)), float64(L.OptNumber(6, 0)), float64(L.OptNumber(7, 0)),
	)
	return h.send(L, msgs.NewSetPose(name, pose))
}

func (h *Host) send(L *lua.LState, m msgs.Message) int {
	if err := h.world.ReceiveMessage(m); err != nil {
		L.Push(lua.LString(err.Error()))
		return 1
	}
	return 0
}

// world.sim_time() returns seconds.
func (h *Host) luaSimTime(L *lua.LState) int {
	L.Push(lua.LNumber(h.world.SimTime().Seconds()))
	return 1
}

// world.after(seconds, fn) schedules fn at sim time now+seconds and returns
// an id usable with world.cancel.
func (h *Host) luaAfter(L *lua.LState) int {
	secs := float64(L.CheckNumber(1))
	fn := L.CheckFunction(2)
	if secs < 0 {
		L.ArgError(1, "delay must not be negative")
		return 0
	}
	d := time.Duration(secs * float64(time.Second))
	id := h.world.Scheduler().After(d, func() { h.callScheduled(fn) })
	L.Push(lua.LString(id))
	return 1
}

// world.cancel(id)
func (h *Host) luaCancel(L *lua.LState) int {
	h.world.Scheduler().Cancel(L.CheckString(1))
	return 0
}

// world.log(message)
func (h *Host) luaLog(L *lua.LState) int {
	h.log.Info(context.Background(), L.CheckString(1))
	return 0
}

func (h *Host) callScheduled(fn *lua.LFunction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if err := h.vm.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		h.errors++
		h.log.Error(context.Background(), "plugin callback failed", logging.Err(err))
	}
}
