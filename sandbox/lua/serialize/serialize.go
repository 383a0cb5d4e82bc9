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

// Package serialize implements the two walkers over a sandbox's Lua
// globals graph described in spec.md §4.2: the preservation walker, which
// emits a restoration script, and the JSON walker used by output(table).
package serialize

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// ErrCyclicTable is raised by EncodeJSON when a table pointer is visited a
// second time anywhere in the walk, matching spec.md §8's exact error text.
var ErrCyclicTable = fmt.Errorf("table contains an internal or circular reference")

// CircularBuffer is the narrow interface serialize needs from the cbuf
// userdata wrapper, kept here (rather than importing the cbuf Lua binding
// directly) to avoid a cycle between this package and sandbox/lua.
type CircularBuffer interface {
	Serialize(key string) string
}

// AsCircularBuffer resolves Lua userdata to a CircularBuffer, returning
// false for any userdata that isn't a recognized circular buffer (spec.md
// §4.2 step 2 only special-cases "userdata that is ... a recognized
// circular buffer"; anything else is skipped like a function or thread).
type AsCircularBuffer func(ud *lua.LUserData) (CircularBuffer, bool)

// Walker performs the depth-first preservation walk (spec.md §4.2).
type Walker struct {
	L          *lua.LState
	CoreMarker *lua.LTable
	ResolveCB  AsCircularBuffer

	seenTables map[*lua.LTable]string
	seenCBs    map[*lua.LUserData]string
}

// NewWalker builds a Walker. coreMarker is the empty metatable the sandbox
// attaches to every pruned standard-library table at Init time; resolveCB
// recognizes circular-buffer userdata among all other userdata types.
func NewWalker(L *lua.LState, coreMarker *lua.LTable, resolveCB AsCircularBuffer) *Walker {
	return &Walker{
		L:          L,
		CoreMarker: coreMarker,
		ResolveCB:  resolveCB,
		seenTables: make(map[*lua.LTable]string),
		seenCBs:    make(map[*lua.LUserData]string),
	}
}

// Preserve walks _G and writes a restoration script to out. The globals
// table's own identity is registered first so it is never written as a
// value (spec.md §4.2 step 1).
func (w *Walker) Preserve(out io.Writer) error {
	globals := w.L.G.Global
	if globals == nil {
		return fmt.Errorf("preserve_global_data cannot access the global table")
	}
	w.seenTables[globals] = "_G"

	sb := &strings.Builder{}
	for _, key := range sortedTableKeys(globals) {
		val := globals.RawGet(key)
		if w.skip(val) {
			continue
		}
		keypath := fmt.Sprintf("_G[%s]", literal(key))
		if err := w.emit(sb, keypath, val); err != nil {
			return err
		}
	}
	_, err := io.WriteString(out, sb.String())
	return err
}

// skip reports whether a globals-table value is never written: a
// core-library table, a function, a thread, lightuserdata, or userdata
// that isn't a recognized circular buffer.
func (w *Walker) skip(v lua.LValue) bool {
	switch t := v.(type) {
	case *lua.LTable:
		return t.Metatable == w.CoreMarker
	case *lua.LFunction:
		return true
	case *lua.LState:
		return true
	case *lua.LUserData:
		if w.ResolveCB == nil {
			return true
		}
		_, ok := w.ResolveCB(t)
		return !ok
	default:
		return false
	}
}

func (w *Walker) emit(sb *strings.Builder, keypath string, v lua.LValue) error {
	switch t := v.(type) {
	case *lua.LTable:
		if prior, ok := w.seenTables[t]; ok {
			fmt.Fprintf(sb, "%s = %s\n", keypath, prior)
			return nil
		}
		w.seenTables[t] = keypath
		fmt.Fprintf(sb, "%s = {}\n", keypath)
		for _, key := range sortedTableKeys(t) {
			val := t.RawGet(key)
			if w.skip(val) {
				continue
			}
			childPath := fmt.Sprintf("%s[%s]", keypath, literal(key))
			if err := w.emit(sb, childPath, val); err != nil {
				return err
			}
		}
		return nil
	case *lua.LUserData:
		cb, ok := w.ResolveCB(t)
		if !ok {
			return nil
		}
		if prior, ok := w.seenCBs[t]; ok {
			fmt.Fprintf(sb, "%s = %s\n", keypath, prior)
			return nil
		}
		w.seenCBs[t] = keypath
		sb.WriteString(cb.Serialize(keypath))
		return nil
	default:
		fmt.Fprintf(sb, "%s = %s\n", keypath, literal(v))
		return nil
	}
}

// literal renders a Lua scalar (number/string/nil/boolean) the way the
// script's own string-quoting facility would, preserving bytes exactly for
// strings.
func literal(v lua.LValue) string {
	switch t := v.(type) {
	case lua.LString:
		return quoteLuaString(string(t))
	case lua.LNumber:
		return numberLiteral(float64(t))
	case lua.LBool:
		if bool(t) {
			return "true"
		}
		return "false"
	case *lua.LNilType:
		return "nil"
	default:
		return "nil"
	}
}

func numberLiteral(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', 14, 64)
}

// quoteLuaString mirrors Lua's string.format("%q", s): wraps in double
// quotes, escaping backslash and quote, writing newline and carriage
// return as \n and \r, and other non-printable bytes as three-digit \ddd.
func quoteLuaString(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"', '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case '\n':
			sb.WriteString("\\n")
		case '\r':
			sb.WriteString("\\r")
		case 0:
			sb.WriteString("\\000")
		default:
			if c < 0x20 || c == 0x7f {
				fmt.Fprintf(&sb, "\\%03d", c)
			} else {
				sb.WriteByte(c)
			}
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

// sortedTableKeys returns a table's keys in a deterministic order so
// preservation output (and its tests) are reproducible; Lua itself makes
// no iteration-order guarantee.
func sortedTableKeys(t *lua.LTable) []lua.LValue {
	var keys []lua.LValue
	t.ForEach(func(k, _ lua.LValue) {
		keys = append(keys, k)
	})
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j])
	})
	return keys
}

// EncodeJSON renders a Lua value as JSON, the way output() does for table
// arguments (spec.md §4.5). preserveAllKeys selects between the
// preservation-variant key policy (keep everything) and the JSON-variant
// policy (skip numeric keys and keys whose first byte is '_'). Cyclic or
// repeated table references are rejected with ErrCyclicTable.
func EncodeJSON(v lua.LValue, preserveAllKeys bool) (string, error) {
	sb := &strings.Builder{}
	visited := make(map[*lua.LTable]bool)
	if err := encodeJSONValue(sb, v, preserveAllKeys, visited); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func encodeJSONValue(sb *strings.Builder, v lua.LValue, preserveAllKeys bool, visited map[*lua.LTable]bool) error {
	switch t := v.(type) {
	case *lua.LNilType:
		sb.WriteString("null")
	case lua.LBool:
		if bool(t) {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case lua.LNumber:
		sb.WriteString(numberLiteral(float64(t)))
	case lua.LString:
		sb.WriteString(jsonQuote(string(t)))
	case *lua.LTable:
		if visited[t] {
			return ErrCyclicTable
		}
		visited[t] = true
		return encodeJSONTable(sb, t, preserveAllKeys, visited)
	default:
		sb.WriteString("null")
	}
	return nil
}

func encodeJSONTable(sb *strings.Builder, t *lua.LTable, preserveAllKeys bool, visited map[*lua.LTable]bool) error {
	sb.WriteByte('{')
	first := true
	var werr error
	for _, key := range sortedTableKeys(t) {
		if !preserveAllKeys {
			if _, isNum := key.(lua.LNumber); isNum {
				continue
			}
			if s, isStr := key.(lua.LString); isStr && strings.HasPrefix(string(s), "_") {
				continue
			}
		}
		val := t.RawGet(key)
		if !first {
			sb.WriteByte(',')
		}
		first = false
		sb.WriteString(jsonQuote(fmt.Sprint(key)))
		sb.WriteByte(':')
		if err := encodeJSONValue(sb, val, preserveAllKeys, visited); err != nil {
			werr = err
			break
		}
	}
	sb.WriteByte('}')
	return werr
}

func jsonQuote(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			sb.WriteByte('\\')
			sb.WriteRune(r)
		case '\n':
			sb.WriteString("\\n")
		case '\r':
			sb.WriteString("\\r")
		case '\t':
			sb.WriteString("\\t")
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}
