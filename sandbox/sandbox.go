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

// Package sandbox defines the public contract for the quota-enforced
// script host: a fixed usage-matrix/status vocabulary and the Sandbox
// interface every script-runtime backend (currently just sandbox/lua)
// implements. It intentionally does not know about gopher-lua, so the
// host pipeline can depend on this package alone.
package sandbox

// Ceilings from spec.md §6. A Create call with limits above any of these
// is rejected outright.
const (
	MaxMemory       = 8 * 1024 * 1024
	MaxInstructions = 1e6
	MaxOutput       = 63 * 1024

	DefaultOutputSize = 1024
)

// UsageType selects which resource a Usage() query reports on.
type UsageType int

const (
	TypeMemory UsageType = iota
	TypeInstructions
	TypeOutput
)

// UsageStat selects which facet of a resource's quota triple is reported.
type UsageStat int

const (
	StatCurrent UsageStat = iota
	StatMaximum
	StatLimit
)

// Status is the sandbox lifecycle state from spec.md §3.
type Status int

const (
	StatusUnknown Status = iota
	StatusRunning
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Config carries the limits and paths needed to create a sandbox. Field
// names and defaults mirror the teacher's SandboxConfig
// (sandbox/plugins/sandbox_decoder.go's ConfigStruct), extended with
// PluginType which this core uses to select the script-visible function
// set (spec.md §4.1).
type Config struct {
	ScriptFilename   string `toml:"script_filename"`
	ScriptType       string `toml:"script_type"`
	ModuleDirectory  string `toml:"module_directory"`
	MemoryLimit      uint   `toml:"memory_limit"`
	InstructionLimit uint   `toml:"instruction_limit"`
	OutputLimit      uint   `toml:"output_limit"`
	PluginType       string `toml:"plugin_type"` // "input", "output", "filter", "decoder", "encoder"
}

// InjectFunction is the callback a Sandbox uses to hand a finished payload
// back to the embedder. Matches spec.md §6's inject_message host callback
// result shape, minus the embedder-defined message type: it takes an
// already-encoded payload, its type tag ("" means a full Heka protobuf
// message) and name.
type InjectFunction func(payload, payloadType, payloadName string) int

// HostCallbacks is the narrow HCI boundary (spec.md §6) a Sandbox calls out
// to. Implemented by the embedding plugin runner, not by this package.
type HostCallbacks interface {
	ReadConfig(name string) (typ int, value interface{}, ok bool)
	ReadMessage(field string, fieldIdx, arrayIdx int) (typ int, value interface{}, length int, ok bool)
	ReadNextField(iter int) (typ int, name string, value interface{}, representation string, count int, ok bool)
	WriteMessage(field string, value interface{}, representation string, fieldIdx, arrayIdx int, hasArrayIdx bool) int
}

// Sandbox is the public operation set from spec.md §4.1/§6: create, init,
// destroy, process_message, timer_event, usage, status, last_error, stop.
// Create is a constructor on the concrete backend (e.g. lua.CreateLuaSandbox)
// rather than a method here, since it needs backend-specific wiring.
type Sandbox interface {
	Init(stateFile string) error
	Destroy(stateFile string) string
	ProcessMessage() int
	TimerEvent(ns int64) int
	Usage(utype UsageType, ustat UsageStat) uint
	Status() Status
	LastError() string
	Stop()

	// InjectMessage wires the embedder's injection callback; called once
	// by the plugin runner before the first dispatch, mirroring
	// SandboxDecoder.SetDecoderRunner in the teacher.
	InjectMessage(fn InjectFunction)

	// SetHostCallbacks wires the read/write message callbacks (HCI).
	SetHostCallbacks(hc HostCallbacks)
}
