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

// Package plugins wires the pure-Go sandbox (sandbox.Sandbox, currently
// backed by sandbox/lua.LuaSandbox) to the message envelope, replacing the
// teacher's pipeline.DecoderRunner/PipelinePack plumbing, which this repo
// doesn't carry (SPEC_FULL.md scopes the full host pipeline out as an
// external collaborator — see DESIGN.md). SandboxDecoder keeps the
// teacher's shape (Init/Decode/Shutdown/ReportMsg, the cooperative-abort
// FATAL-shutdown distinction between a positive and negative ProcessMessage
// return) but drives it directly rather than through a DecoderRunner.
package plugins

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jbli/lua-sandbox/message"
	"github.com/jbli/lua-sandbox/sandbox"
	"github.com/jbli/lua-sandbox/sandbox/lua"
)

// durationSampleDenominator mirrors the teacher's
// pipeline.DURATION_SAMPLE_DENOMINATOR: roughly one in N Decode calls has
// its wall-clock duration sampled into the running average ReportMsg
// exposes, so the timing itself doesn't dominate the cost of decoding.
const durationSampleDenominator = 1000

// SandboxDecoder turns raw input into message.PipelinePacks by driving a
// sandbox.Sandbox through its decode_message entry point. One instance
// owns one sandbox; it is not safe for concurrent Decode calls, matching
// LuaSandbox's own single-goroutine-per-instance model.
type SandboxDecoder struct {
	sb                     sandbox.Sandbox
	processMessageCount    int64
	processMessageFailures int64
	processMessageSamples  int64
	processMessageDuration int64
	reportLock             sync.Mutex
	sample                 bool
	err                    error

	pack  *message.PipelinePack
	packs []*message.PipelinePack
}

func DefaultSandboxDecoderConfig() *sandbox.Config {
	return &sandbox.Config{
		ScriptType:       "lua",
		MemoryLimit:      sandbox.MaxMemory,
		InstructionLimit: sandbox.MaxInstructions,
		OutputLimit:      sandbox.MaxOutput,
		PluginType:       "decoder",
	}
}

// Init constructs and starts the backing sandbox. Calling Init twice is a
// no-op, mirroring the teacher's re-Init guard for plugins that can be
// reconfigured without a full restart.
func (s *SandboxDecoder) Init(cfg *sandbox.Config) (err error) {
	if s.sb != nil {
		return nil
	}
	cfg.PluginType = "decoder"
	s.sample = true

	switch cfg.ScriptType {
	case "lua":
		s.sb, err = lua.CreateLuaSandbox(cfg)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported script type: %s", cfg.ScriptType)
	}

	s.sb.SetHostCallbacks(s)
	s.sb.InjectMessage(s.injectMessage)
	return s.sb.Init("")
}

// injectMessage is registered with the sandbox as its InjectFunction. A
// decoder's script rewrites the message it was handed via write_message,
// so unlike SandboxDecoder's teacher counterpart (which had to reconstruct
// headers from an unmarshaled protobuf envelope), this injection simply
// appends the pack the script has been writing to (the pack handed to
// Decode for the first injection, a freshly allocated one after that) to
// the batch Decode returns.
func (s *SandboxDecoder) injectMessage(payload, payloadType, payloadName string) int {
	if s.pack == nil {
		s.pack = &message.PipelinePack{Message: message.New()}
	}
	if payloadType != "" {
		s.pack.Message.SetPayload(payload)
		if f, err := message.NewField("payload_type", payloadType, "file-extension"); err == nil {
			s.pack.Message.AddField(f)
		}
		if f, err := message.NewField("payload_name", payloadName, ""); err == nil {
			s.pack.Message.AddField(f)
		}
	}
	s.packs = append(s.packs, s.pack)
	s.pack = nil
	return 0
}

// Decode hands pack's payload to the script's decode_message entry point
// (via ProcessMessage, which LuaSandbox routes to decode_message for
// decoder-typed sandboxes) and returns whatever packs the script injected.
// A positive return is the teacher's FATAL convention — the script itself
// is broken, not just this input — surfaced as an error rather than a
// process shutdown, since this package has no pipeline.Globals() to call.
func (s *SandboxDecoder) Decode(pack *message.PipelinePack) ([]*message.PipelinePack, error) {
	if s.sb == nil {
		return nil, s.err
	}
	s.pack = pack
	atomic.AddInt64(&s.processMessageCount, 1)

	var start time.Time
	if s.sample {
		start = time.Now()
	}
	retval := s.sb.ProcessMessage()
	if s.sample {
		duration := time.Since(start).Nanoseconds()
		s.reportLock.Lock()
		s.processMessageDuration += duration
		s.processMessageSamples++
		s.reportLock.Unlock()
	}
	s.sample = rand.Intn(durationSampleDenominator) == 0

	if retval > 0 {
		s.err = errors.New("FATAL: " + s.sb.LastError())
		return nil, s.err
	}
	if retval < 0 {
		atomic.AddInt64(&s.processMessageFailures, 1)
		s.err = fmt.Errorf("failed parsing: %s", pack.Message.GetPayload())
		s.packs = nil
		return nil, s.err
	}

	packs := s.packs
	s.packs = nil
	s.err = nil
	if len(packs) == 0 {
		packs = []*message.PipelinePack{pack}
	}
	return packs, nil
}

func (s *SandboxDecoder) Shutdown() {
	if s.sb != nil {
		s.sb.Destroy("")
		s.sb = nil
	}
}

// ReportMsg populates msg with the same usage/counter fields the teacher's
// ReportingPlugin hook exposed to Heka's dashboard.
func (s *SandboxDecoder) ReportMsg(msg *message.Message) error {
	if s.sb == nil {
		return fmt.Errorf("decoder is not running")
	}
	s.reportLock.Lock()
	defer s.reportLock.Unlock()

	message.NewIntField(msg, "Memory", int(s.sb.Usage(sandbox.TypeMemory, sandbox.StatCurrent)), "B")
	message.NewIntField(msg, "MaxMemory", int(s.sb.Usage(sandbox.TypeMemory, sandbox.StatMaximum)), "B")
	message.NewIntField(msg, "MaxInstructions", int(s.sb.Usage(sandbox.TypeInstructions, sandbox.StatMaximum)), "count")
	message.NewIntField(msg, "MaxOutput", int(s.sb.Usage(sandbox.TypeOutput, sandbox.StatMaximum)), "B")
	message.NewInt64Field(msg, "ProcessMessageCount", atomic.LoadInt64(&s.processMessageCount), "count")
	message.NewInt64Field(msg, "ProcessMessageFailures", atomic.LoadInt64(&s.processMessageFailures), "count")
	message.NewInt64Field(msg, "ProcessMessageSamples", s.processMessageSamples, "count")

	var avg int64
	if s.processMessageSamples > 0 {
		avg = s.processMessageDuration / s.processMessageSamples
	}
	message.NewInt64Field(msg, "ProcessMessageAvgDuration", avg, "ns")
	return nil
}

// ReadConfig/ReadMessage/ReadNextField/WriteMessage implement
// sandbox.HostCallbacks directly against s.pack, the way the teacher's
// DecoderRunner backed the equivalent HCI calls against its own pack.

func (s *SandboxDecoder) ReadConfig(name string) (int, interface{}, bool) {
	return 0, nil, false
}

func (s *SandboxDecoder) ReadMessage(field string, fieldIdx, arrayIdx int) (int, interface{}, int, bool) {
	if s.pack == nil {
		return 0, nil, 0, false
	}
	m := s.pack.Message
	switch field {
	case "Uuid":
		return int(message.TypeBytes), m.GetUuid(), len(m.GetUuid()), true
	case "Timestamp":
		return int(message.TypeInteger), m.GetTimestamp(), 1, true
	case "Type":
		return int(message.TypeString), m.GetType(), 1, true
	case "Logger":
		return int(message.TypeString), m.GetLogger(), 1, true
	case "Severity":
		return int(message.TypeInteger), int64(m.GetSeverity()), 1, true
	case "Payload":
		return int(message.TypeString), m.GetPayload(), 1, true
	case "EnvVersion":
		return int(message.TypeString), m.GetEnvVersion(), 1, true
	case "Pid":
		return int(message.TypeInteger), int64(m.GetPid()), 1, true
	case "Hostname":
		return int(message.TypeString), m.GetHostname(), 1, true
	default:
		f := m.FindFirstField(field)
		if f == nil {
			return 0, nil, 0, false
		}
		return readDynamicField(f, arrayIdx)
	}
}

func (s *SandboxDecoder) ReadNextField(iter int) (int, string, interface{}, string, int, bool) {
	if s.pack == nil || iter >= len(s.pack.Message.Fields) {
		return 0, "", nil, "", 0, false
	}
	f := s.pack.Message.Fields[iter]
	typ, val, count, ok := readDynamicField(f, 0)
	if !ok {
		return 0, "", nil, "", 0, false
	}
	return typ, f.Name, val, f.Representation, count, true
}

func (s *SandboxDecoder) WriteMessage(field string, value interface{}, representation string, fieldIdx, arrayIdx int, hasArrayIdx bool) int {
	if s.pack == nil {
		s.pack = &message.PipelinePack{Message: message.New()}
	}
	m := s.pack.Message
	switch field {
	case "Type":
		if v, ok := value.(string); ok {
			m.SetType(v)
		}
	case "Logger":
		if v, ok := value.(string); ok {
			m.SetLogger(v)
		}
	case "Payload":
		if v, ok := value.(string); ok {
			m.SetPayload(v)
		}
	case "EnvVersion":
		if v, ok := value.(string); ok {
			m.SetEnvVersion(v)
		}
	case "Hostname":
		if v, ok := value.(string); ok {
			m.SetHostname(v)
		}
	case "Severity":
		if v, ok := value.(float64); ok {
			m.SetSeverity(int32(v))
		}
	case "Pid":
		if v, ok := value.(float64); ok {
			m.SetPid(int32(v))
		}
	case "Timestamp":
		if v, ok := value.(float64); ok {
			m.SetTimestamp(int64(v))
		}
	default:
		f, err := fieldFromValue(field, value, representation)
		if err != nil {
			return 1
		}
		m.AddField(f)
	}
	return 0
}

func readDynamicField(f *message.Field, idx int) (int, interface{}, int, bool) {
	switch f.ValueType {
	case message.TypeString:
		if idx < 0 || idx >= len(f.ValueString) {
			return 0, nil, 0, false
		}
		return int(message.TypeString), f.ValueString[idx], len(f.ValueString), true
	case message.TypeInteger:
		if idx < 0 || idx >= len(f.ValueInteger) {
			return 0, nil, 0, false
		}
		return int(message.TypeInteger), f.ValueInteger[idx], len(f.ValueInteger), true
	case message.TypeDouble:
		if idx < 0 || idx >= len(f.ValueDouble) {
			return 0, nil, 0, false
		}
		return int(message.TypeDouble), f.ValueDouble[idx], len(f.ValueDouble), true
	case message.TypeBool:
		if idx < 0 || idx >= len(f.ValueBool) {
			return 0, nil, 0, false
		}
		return int(message.TypeBool), f.ValueBool[idx], len(f.ValueBool), true
	}
	return 0, nil, 0, false
}

func fieldFromValue(name string, value interface{}, representation string) (*message.Field, error) {
	switch v := value.(type) {
	case string:
		return message.NewField(name, v, representation)
	case float64:
		return &message.Field{Name: name, Representation: representation, ValueType: message.TypeDouble, ValueDouble: []float64{v}}, nil
	case bool:
		return &message.Field{Name: name, Representation: representation, ValueType: message.TypeBool, ValueBool: []bool{v}}, nil
	}
	return nil, fmt.Errorf("unsupported value type for field %q", name)
}
