//go:build !no_automation

package automation

import (
	"context"
	"log/slog"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// clock is replaced in tests.
var clock = time.Now

var datetimeParts = map[string]func(t time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format(time.TimeOnly)) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format(time.DateOnly)) },
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// registerSystemModule installs the `system` global: wall-clock helpers
// for time-of-day fan profiles and leveled logging.
func registerSystemModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("datetime", L.NewFunction(systemDatetime))
	mod.RawSetString("time_between", L.NewFunction(systemTimeBetween))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int { return systemLog(L, e) }))
	L.SetGlobal("system", mod)
}

// system.datetime(part) -> number | string
func systemDatetime(L *lua.LState) int {
	part := L.CheckString(1)
	fn, ok := datetimeParts[part]
	if !ok {
		L.ArgError(1, "unknown component: "+part)
		return 0
	}
	L.Push(fn(clock()))
	return 1
}

// system.time_between(from_hour, to_hour) -> bool. The range is [from, to)
// and wraps midnight when from > to.
func systemTimeBetween(L *lua.LState) int {
	from, to := L.CheckInt(1), L.CheckInt(2)
	L.Push(lua.LBool(hourBetween(clock().Hour(), from, to)))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

// system.log(level, msg). Unknown levels log at info.
func systemLog(L *lua.LState, e *Engine) int {
	level, ok := logLevels[L.CheckString(1)]
	if !ok {
		level = slog.LevelInfo
	}
	e.logger.Log(context.Background(), level, "script log", "msg", L.CheckString(2))
	return 0
}
