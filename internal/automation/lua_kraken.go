//go:build !no_automation

package automation

import (
	"context"
	"math"
	"strconv"
	"time"

	lua "github.com/yuin/gopher-lua"

	"kraken-go-home/internal/kraken"
)

const (
	maxHandlersPerScript = 100
	defaultSyncTimeout   = 10 * time.Second
)

// registerKrakenModule registers the `kraken` global table in a Lua state.
func registerKrakenModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"on":        func(L *lua.LState) int { return krakenOn(L, vm) },
		"set":       func(L *lua.LState) int { return krakenSet(L, e) },
		"get":       func(L *lua.LState) int { return krakenGet(L, e) },
		"telemetry": func(L *lua.LState) int { return krakenTelemetry(L, e) },
		"devices":   func(L *lua.LState) int { return krakenDevices(L, e) },
		"enable":    func(L *lua.LState) int { return krakenEnable(L, e) },
		"interval":  func(L *lua.LState) int { return krakenInterval(L, e) },
		"sync":      func(L *lua.LState) int { return krakenSync(L, vm, e) },
		"after":     func(L *lua.LState) int { return krakenAfter(L, vm, e) },
		"log":       func(L *lua.LState) int { return krakenLog(L, e) },
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("kraken", mod)
}

// pushError returns nil, msg to Lua.
func pushError(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

// luaValueString renders a Lua argument as an attribute value. Whole
// numbers lose their fraction so duty computations can be passed directly.
func luaValueString(v lua.LValue) string {
	if n, ok := v.(lua.LNumber); ok {
		f := float64(n)
		if f == math.Trunc(f) && math.Abs(f) < 1e15 {
			return strconv.FormatInt(int64(f), 10)
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return v.String()
}

func telemetryData(t kraken.Telemetry) map[string]any {
	data := map[string]any{
		"temp_liquid": t.LiquidTemp,
		"fan_rpm":     t.FanRPM,
		"pump_rpm":    t.PumpRPM,
	}
	if t.Serial != "" {
		data["serial"] = t.Serial
	}
	return data
}

// kraken.on(type, filter, callback)
func krakenOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{
		eventType: L.CheckString(1),
		fn:        L.CheckFunction(3),
	}
	filter := L.CheckTable(2)
	if v := filter.RawGetString("device"); v != lua.LNil {
		h.device = v.String()
	}
	if v := filter.RawGetString("attr"); v != lua.LNil {
		h.attr = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
	return 0
}

// kraken.set(id, attr, value) -> true | nil, err
func krakenSet(L *lua.LState, e *Engine) int {
	id := L.CheckString(1)
	attr := L.CheckString(2)
	value := luaValueString(L.CheckAny(3))

	dev, err := e.devices.Get(id)
	if err != nil {
		return pushError(L, err)
	}
	if err := dev.Set(attr, value); err != nil {
		e.logger.Warn("script set failed", "device", id, "attr", attr, "value", value, "err", err)
		return pushError(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// kraken.get(id, attr) -> value | nil, err
func krakenGet(L *lua.LState, e *Engine) int {
	id := L.CheckString(1)
	attr := L.CheckString(2)

	dev, err := e.devices.Get(id)
	if err != nil {
		return pushError(L, err)
	}
	v, err := dev.Get(attr)
	if err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LString(v))
	return 1
}

// kraken.telemetry(id) -> table | nil, err
func krakenTelemetry(L *lua.LState, e *Engine) int {
	dev, err := e.devices.Get(L.CheckString(1))
	if err != nil {
		return pushError(L, err)
	}
	L.Push(goToLua(L, telemetryData(dev.Telemetry())))
	return 1
}

// kraken.devices() -> list of {id, model}
func krakenDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, dev := range e.devices.List() {
		d := L.NewTable()
		d.RawSetString("id", lua.LString(dev.ID()))
		d.RawSetString("model", lua.LString(dev.Model()))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// kraken.enable(id, on)
func krakenEnable(L *lua.LState, e *Engine) int {
	dev, err := e.devices.Get(L.CheckString(1))
	if err != nil {
		return pushError(L, err)
	}
	dev.SetUpdateEnabled(L.CheckBool(2))
	L.Push(lua.LTrue)
	return 1
}

// kraken.interval(id, ms)
func krakenInterval(L *lua.LState, e *Engine) int {
	id := L.CheckString(1)
	ms := L.CheckInt(2)
	if ms < 0 {
		L.ArgError(2, "interval must not be negative")
		return 0
	}
	dev, err := e.devices.Get(id)
	if err != nil {
		return pushError(L, err)
	}
	dev.SetUpdateInterval(time.Duration(ms) * time.Millisecond)
	L.Push(lua.LTrue)
	return 1
}

// kraken.sync(id [, timeout_s]) -> ok. Blocks the script until the next
// pass of the device completes.
func krakenSync(L *lua.LState, vm *scriptVM, e *Engine) int {
	id := L.CheckString(1)
	timeout := defaultSyncTimeout
	if L.GetTop() >= 2 {
		timeout = time.Duration(float64(L.CheckNumber(2)) * float64(time.Second))
	}

	dev, err := e.devices.Get(id)
	if err != nil {
		return pushError(L, err)
	}
	ctx, cancel := context.WithTimeout(vm.ctx, timeout)
	defer cancel()
	L.Push(lua.LBool(dev.WaitForNextUpdate(ctx)))
	return 1
}

// kraken.after(seconds, callback)
func krakenAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// kraken.log(msg)
func krakenLog(L *lua.LState, e *Engine) int {
	e.logger.Info("script log", "msg", L.CheckString(1))
	return 0
}
