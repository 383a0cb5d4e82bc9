/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
#
# The Initial Developer of the Original Code is the Mozilla Foundation.
# Portions created by the Initial Developer are Copyright (C) 2013
# the Initial Developer. All Rights Reserved.
#
# Contributor(s):
#   Mike Trinkala (trink@mozilla.com)
#
# ***** END LICENSE BLOCK *****/

package lua

import (
	"time"

	"github.com/jbli/lua-sandbox/message"
	"github.com/jbli/lua-sandbox/sandbox"
	"github.com/jbli/lua-sandbox/sandbox/lua/cbuf"
	"github.com/jbli/lua-sandbox/sandbox/lua/obuf"
	"github.com/jbli/lua-sandbox/sandbox/lua/protobuf"
	lua "github.com/yuin/gopher-lua"
)

const cbufUserDataName = "circular_buffer"

// registerCircularBuffer installs circular_buffer.new(rows, cols, secs
// [, delta]) and the cbuf.Buffer method table (add/set/get/compute/
// format/set_header/fromstring), mirroring the teacher's lua_circular_
// buffer.c binding one call at a time instead of one opcode at a time.
func (s *LuaSandbox) registerCircularBuffer() {
	mt := s.L.NewTypeMetatable(cbufUserDataName)
	s.L.SetField(mt, "__index", s.L.NewFunction(s.cbufIndex))
	s.L.SetField(mt, "__newindex", s.L.NewFunction(s.cbufDisallowNewIndex))
	s.L.SetField(mt, "__tostring", s.L.NewFunction(s.cbufToString))

	ctor := s.L.NewTable()
	ctor.RawSetString("new", s.L.NewFunction(s.cbufNew))
	ctor.Metatable = s.coreMark
	s.L.SetGlobal("circular_buffer", ctor)
}

// cbufNew is the one place this package owns heap proportional to a
// script's own request (rows*cols float64 cells, plus the delta side-table
// when enabled), so it is where memory is accounted transactionally and
// sandbox-locally: compute the size a new buffer needs, reject before
// allocating it if that would push this sandbox over its own memLimit,
// else commit the charge. This replaces the old process-wide
// runtime.MemStats sampling (see lua_sandbox.go's run doc comment), which
// could never refuse an allocation before it happened and which mixed one
// sandbox's accounting with every other goroutine's allocations in the
// same process.
func (s *LuaSandbox) cbufNew(L *lua.LState) int {
	rows := L.CheckInt(1)
	cols := L.CheckInt(2)
	secs := L.CheckInt(3)
	delta := false
	if L.GetTop() >= 4 {
		delta = L.ToBool(4)
	}

	cells := uint(rows) * uint(cols)
	size := cells * 8
	if delta {
		size += cells * 8
	}
	if s.memCurrent+size > s.memLimit {
		L.RaiseError("memory_limit exceeded")
		return 0
	}

	b, err := cbuf.New(rows, cols, secs, delta)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}

	s.memCurrent += size
	if s.memCurrent > s.memMax {
		s.memMax = s.memCurrent
	}

	ud := L.NewUserData()
	ud.Value = b
	L.SetMetatable(ud, L.GetTypeMetatable(cbufUserDataName))
	s.cbuffers[ud] = b
	L.Push(ud)
	return 1
}

func (s *LuaSandbox) checkBuffer(L *lua.LState, idx int) *cbuf.Buffer {
	ud := L.CheckUserData(idx)
	b, ok := ud.Value.(*cbuf.Buffer)
	if !ok {
		L.ArgError(idx, "circular_buffer expected")
	}
	return b
}

func (s *LuaSandbox) cbufDisallowNewIndex(L *lua.LState) int {
	L.RaiseError("circular_buffer fields are read-only")
	return 0
}

func (s *LuaSandbox) cbufToString(L *lua.LState) int {
	b := s.checkBuffer(L, 1)
	L.Push(lua.LString(b.String()))
	return 1
}

// cbufIndex implements the method-dispatch half of circular_buffer's
// metatable: a method name looked up on the userdata returns a bound Go
// closure, matching how gopher-lua userdata method tables are normally
// wired (__index as a function rather than a table of closures, since
// each closure needs to close over the specific *cbuf.Buffer).
func (s *LuaSandbox) cbufIndex(L *lua.LState) int {
	b := s.checkBuffer(L, 1)
	name := L.CheckString(2)
	switch name {
	case "add":
		L.Push(L.NewFunction(func(L *lua.LState) int { return cbufAdd(L, b) }))
	case "set":
		L.Push(L.NewFunction(func(L *lua.LState) int { return cbufSet(L, b) }))
	case "get":
		L.Push(L.NewFunction(func(L *lua.LState) int { return cbufGet(L, b) }))
	case "compute":
		L.Push(L.NewFunction(func(L *lua.LState) int { return cbufCompute(L, b) }))
	case "set_header":
		L.Push(L.NewFunction(func(L *lua.LState) int { return cbufSetHeader(L, b) }))
	case "format":
		L.Push(L.NewFunction(func(L *lua.LState) int { return cbufFormat(L, b) }))
	case "fromstring":
		L.Push(L.NewFunction(func(L *lua.LState) int { return cbufFromString(L, b) }))
	default:
		L.Push(lua.LNil)
	}
	return 1
}

func cbufAdd(L *lua.LState, b *cbuf.Buffer) int {
	ns := int64(L.CheckNumber(2))
	col := L.CheckInt(3) - 1
	val := float64(L.CheckNumber(4))
	v, ok := b.Add(ns, col, val)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(v))
	return 1
}

func cbufSet(L *lua.LState, b *cbuf.Buffer) int {
	ns := int64(L.CheckNumber(2))
	col := L.CheckInt(3) - 1
	val := float64(L.CheckNumber(4))
	v, ok := b.Set(ns, col, val)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(v))
	return 1
}

func cbufGet(L *lua.LState, b *cbuf.Buffer) int {
	ns := int64(L.CheckNumber(2))
	col := L.CheckInt(3) - 1
	v, ok := b.Get(ns, col)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(v))
	return 1
}

func cbufCompute(L *lua.LState, b *cbuf.Buffer) int {
	fn := L.CheckString(2)
	col := L.CheckInt(3) - 1
	var start, end *int64
	if L.GetTop() >= 4 && L.Get(4) != lua.LNil {
		v := int64(L.CheckNumber(4))
		start = &v
	}
	if L.GetTop() >= 5 && L.Get(5) != lua.LNil {
		v := int64(L.CheckNumber(5))
		end = &v
	}
	v, ok := b.Compute(fn, col, start, end)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(v))
	return 1
}

func cbufSetHeader(L *lua.LState, b *cbuf.Buffer) int {
	col := L.CheckInt(2) - 1
	name := L.CheckString(3)
	unit := "count"
	agg := "sum"
	if L.GetTop() >= 4 {
		unit = L.CheckString(4)
	}
	if L.GetTop() >= 5 {
		agg = L.CheckString(5)
	}
	if err := b.SetHeader(col, name, unit, agg); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(L.Get(1))
	return 1
}

func cbufFormat(L *lua.LState, b *cbuf.Buffer) int {
	f := L.CheckString(2)
	if err := b.Format(f); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(L.Get(1))
	return 1
}

func cbufFromString(L *lua.LState, b *cbuf.Buffer) int {
	data := L.CheckString(2)
	if err := b.FromString(data); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	return 0
}

// registerHostCallbacks wires read_config/read_message/read_next_field/
// write_message/inject_message/inject_payload into the VM as Go closures
// over s.hostCB and s.injectFn, the same indirection
// SandboxDecoder.SetDecoderRunner uses to bind the plugin-runner-specific
// behavior in after Init runs. read_config/read_message/read_next_field are
// universal (spec.md §4.1); the rest are gated by s.fs per plugin type.
func (s *LuaSandbox) registerHostCallbacks() {
	s.L.SetGlobal("read_config", s.L.NewFunction(s.luaReadConfig))
	s.L.SetGlobal("read_message", s.L.NewFunction(s.luaReadMessage))
	s.L.SetGlobal("read_next_field", s.L.NewFunction(s.luaReadNextField))
	if s.fs.writeMessage {
		s.L.SetGlobal("write_message", s.L.NewFunction(s.luaWriteMessage))
	}
	if s.fs.injectMessage {
		s.L.SetGlobal("inject_message", s.L.NewFunction(s.luaInjectMessage))
	}
	if s.fs.injectPayload {
		s.L.SetGlobal("inject_payload", s.L.NewFunction(s.luaInjectPayload))
	}
}

func (s *LuaSandbox) luaReadConfig(L *lua.LState) int {
	name := L.CheckString(1)
	if s.hostCB == nil {
		L.Push(lua.LNil)
		return 1
	}
	typ, val, ok := s.hostCB.ReadConfig(name)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(valueToLua(L, typ, val))
	return 1
}

func (s *LuaSandbox) luaReadMessage(L *lua.LState) int {
	field := L.CheckString(1)
	fieldIdx := 0
	arrayIdx := 0
	if L.GetTop() >= 2 {
		fieldIdx = L.CheckInt(2)
	}
	if L.GetTop() >= 3 {
		arrayIdx = L.CheckInt(3)
	}
	if s.hostCB == nil {
		L.Push(lua.LNil)
		return 1
	}
	typ, val, _, ok := s.hostCB.ReadMessage(field, fieldIdx, arrayIdx)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(valueToLua(L, typ, val))
	return 1
}

// luaReadNextField keeps one iterator cursor per sandbox instance: each call
// returns the next field, and the call that runs past the last field
// returns nil and resets the cursor to the first field; arguments are
// ignored. spec.md §4.1 only requires a single active iteration per message.
func (s *LuaSandbox) luaReadNextField(L *lua.LState) int {
	if s.hostCB == nil {
		L.Push(lua.LNil)
		return 1
	}
	cursor := s.readIters[0]
	typ, name, val, rep, count, ok := s.hostCB.ReadNextField(cursor)
	if !ok {
		delete(s.readIters, 0)
		L.Push(lua.LNil)
		return 1
	}
	s.readIters[0] = cursor + 1
	t := L.NewTable()
	t.RawSetString("name", lua.LString(name))
	t.RawSetString("value", valueToLua(L, typ, val))
	t.RawSetString("representation", lua.LString(rep))
	t.RawSetString("count", lua.LNumber(count))
	L.Push(t)
	return 1
}

func (s *LuaSandbox) luaWriteMessage(L *lua.LState) int {
	field := L.CheckString(1)
	val := luaToValue(L.Get(2))
	rep := ""
	if L.GetTop() >= 3 {
		rep = L.CheckString(3)
	}
	fieldIdx := 0
	arrayIdx := 0
	hasArrayIdx := false
	if L.GetTop() >= 4 {
		fieldIdx = L.CheckInt(4)
	}
	if L.GetTop() >= 5 {
		arrayIdx = L.CheckInt(5)
		hasArrayIdx = true
	}
	if s.hostCB == nil {
		L.Push(lua.LNumber(1))
		return 1
	}
	L.Push(lua.LNumber(s.hostCB.WriteMessage(field, val, rep, fieldIdx, arrayIdx, hasArrayIdx)))
	return 1
}

// luaInjectMessage hands the sandbox's output buffer to the embedder via
// injectFn, then resets the shared buffer (spec.md §4.5). An untyped
// injection ("" payload_type, the inject_message() no-argument form) is
// the one shape the sandbox itself must frame as a full Heka protobuf
// message rather than pass through raw, since the script only wrote
// output/add_to_payload bytes and never a pre-built envelope.
func (s *LuaSandbox) luaInjectMessage(L *lua.LState) int {
	if s.injectFn == nil {
		return 0
	}
	payloadType := ""
	payloadName := ""
	if L.GetTop() >= 1 {
		payloadType = L.OptString(1, "")
	}
	if L.GetTop() >= 2 {
		payloadName = L.OptString(2, "")
	}
	raw := string(s.output.Bytes())
	s.output.Reset()

	if payloadType != "" {
		s.injectFn(raw, payloadType, payloadName)
		return 0
	}

	pb := obuf.New(sandbox.MaxOutput)
	err := protobuf.Encode(pb, &protobuf.Message{
		Timestamp: time.Now().UnixNano(),
		Logger:    s.cfg.ScriptFilename,
		Payload:   raw,
	})
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	s.injectFn(string(pb.Bytes()), "", payloadName)
	return 0
}

// luaInjectPayload is the encoder-only injection primitive (spec.md
// §4.1): an encoder's job is to produce the final on-the-wire bytes
// itself, so unlike inject_message there is no Heka-envelope framing step
// here — the output buffer's contents go out exactly as written.
func (s *LuaSandbox) luaInjectPayload(L *lua.LState) int {
	if s.injectFn == nil {
		return 0
	}
	payloadType := ""
	payloadName := ""
	if L.GetTop() >= 1 {
		payloadType = L.OptString(1, "")
	}
	if L.GetTop() >= 2 {
		payloadName = L.OptString(2, "")
	}
	raw := string(s.output.Bytes())
	s.output.Reset()
	s.injectFn(raw, payloadType, payloadName)
	return 0
}

func valueToLua(L *lua.LState, typ int, val interface{}) lua.LValue {
	switch message.ValueType(typ) {
	case message.TypeInteger:
		if n, ok := val.(int64); ok {
			return lua.LNumber(n)
		}
	case message.TypeDouble:
		if f, ok := val.(float64); ok {
			return lua.LNumber(f)
		}
	case message.TypeBool:
		if b, ok := val.(bool); ok {
			return lua.LBool(b)
		}
	case message.TypeBytes:
		if b, ok := val.([]byte); ok {
			return lua.LString(string(b))
		}
	}
	if s, ok := val.(string); ok {
		return lua.LString(s)
	}
	return lua.LNil
}

func luaToValue(v lua.LValue) interface{} {
	switch t := v.(type) {
	case lua.LString:
		return string(t)
	case lua.LNumber:
		return float64(t)
	case lua.LBool:
		return bool(t)
	default:
		return nil
	}
}
