//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"kraken-go-home/internal/device"
	"kraken-go-home/internal/events"
)

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a registered Lua callback for a specific event pattern.
type luaEventHandler struct {
	eventType string
	device    string // filter: only match this device id (empty = any)
	attr      string // filter: only match this attribute (empty = any)
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// Engine runs control scripts and feeds them device events.
type Engine struct {
	devices *device.Manager
	bus     *events.Bus
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(devices *device.Manager, bus *events.Bus, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		devices: devices,
		bus:     bus,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to device events and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.bus.SubscribeAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}

	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from the bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// ReloadScript stops the old VM (if any) and starts a new one.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// Running reports whether a script has a live VM.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// RunScript executes a stored script once in a temporary VM.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: "script not found: " + err.Error(), Duration: time.Since(start).String()}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a temporary sandboxed VM. Registered handlers
// are called once with an event built from the current device state, so a
// script can be tried without waiting for a pass.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	var (
		logs  []string
		logMu sync.Mutex
	)
	capture := func(line string) {
		logMu.Lock()
		logs = append(logs, line)
		logMu.Unlock()
	}

	registerKrakenModule(L, vm, e)
	registerSystemModule(L, e)

	if tbl, ok := L.GetGlobal("kraken").(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			msg := L.CheckString(1)
			capture(msg)
			e.logger.Info("script run log", "msg", msg)
			return 0
		}))
	}
	if tbl, ok := L.GetGlobal("system").(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			capture("[" + L.CheckString(1) + "] " + L.CheckString(2))
			return 0
		}))
	}

	result := func(err error) *RunResult {
		r := &RunResult{OK: err == nil, Logs: logs, Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if strings.Contains(r.Error, "context deadline exceeded") {
				r.Error = "timeout (5s)"
			}
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		e.logger.Warn("run script", "err", err)
		return result(err)
	}
	registerOnUpdate(L, vm)

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()

	for _, h := range handlers {
		ev := L.NewTable()
		for k, v := range e.sampleEvent(h) {
			ev.RawSetString(k, goToLua(L, v))
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			e.logger.Warn("run script handler", "event", h.eventType, "err", err)
			return result(err)
		}
	}

	return result(nil)
}

// sampleEvent builds the event a handler would see, using the state of the
// device it filters on or else the first attached device.
func (e *Engine) sampleEvent(h luaEventHandler) map[string]any {
	data := map[string]any{"type": h.eventType, "id": h.device}
	if h.attr != "" {
		data["attr"] = h.attr
	}

	var dev *device.Device
	if h.device != "" {
		dev, _ = e.devices.Get(h.device)
	} else if devs := e.devices.List(); len(devs) > 0 {
		dev = devs[0]
	}
	if dev == nil {
		return data
	}

	info := dev.Info()
	data["id"] = info.ID
	data["model"] = info.Model
	if h.eventType == "update_completed" {
		maps.Copy(data, telemetryData(info.Telemetry))
		data["ok"] = info.Update.LastError == ""
	}
	return data
}

func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)
	return L
}

// registerOnUpdate turns a global on_update function into a handler for
// every completed pass.
func registerOnUpdate(L *lua.LState, vm *scriptVM) {
	fn, ok := L.GetGlobal("on_update").(*lua.LFunction)
	if !ok {
		return
	}
	vm.mu.Lock()
	vm.handlers = append(vm.handlers, luaEventHandler{eventType: "update_completed", fn: fn})
	vm.mu.Unlock()
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L := newSandbox()

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	registerKrakenModule(L, vm, e)
	registerSystemModule(L, e)

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}
	registerOnUpdate(L, vm)

	e.mu.Lock()
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent routes a bus event to all matching Lua handlers.
func (e *Engine) dispatchEvent(ev events.Event) {
	typ := events.Name(ev)
	data := eventData(ev)

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, typ, data) {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, data) }:
			default:
				e.logger.Warn("script command channel full, dropping event", "event", typ)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, typ string, data map[string]any) bool {
	if h.eventType != typ {
		return false
	}
	if h.device != "" {
		if id, _ := data["id"].(string); id != h.device {
			return false
		}
	}
	if h.attr != "" {
		if attr, _ := data["attr"].(string); attr != h.attr {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	ev := L.NewTable()
	for k, v := range data {
		ev.RawSetString(k, goToLua(L, v))
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, ev); err != nil {
		e.logger.Error("lua handler error", "err", err)
	}
}

// eventData flattens an event into the table scripts receive.
func eventData(ev events.Event) map[string]any {
	data := map[string]any{"type": events.Name(ev)}
	switch ev := ev.(type) {
	case events.DeviceAttachedEvent:
		data["id"] = ev.DeviceID
		data["model"] = ev.Model
	case events.DeviceDetachedEvent:
		data["id"] = ev.DeviceID
	case events.UpdateCompletedEvent:
		data["id"] = ev.DeviceID
		data["model"] = ev.Model
		data["ok"] = ev.OK
		data["duration_ms"] = ev.Duration.Milliseconds()
		if ev.Error != "" {
			data["error"] = ev.Error
		}
		maps.Copy(data, telemetryData(ev.Telemetry))
	case events.UpdatesHaltedEvent:
		data["id"] = ev.DeviceID
		data["error"] = ev.Error
	case events.AttributeChangedEvent:
		data["id"] = ev.DeviceID
		data["attr"] = ev.Name
		data["value"] = ev.Value
	}
	return data
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
