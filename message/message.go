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
#   Rob Miller (rmiller@mozilla.com)
#   Mike Trinkala (trink@mozilla.com)
#
# ***** END LICENSE BLOCK *****/

// Package message defines the Heka message envelope and the dynamic field
// type read and written by sandboxed scripts through the host callback
// interface (read_message, read_next_field, write_message).
package message

import (
	"fmt"

	"github.com/google/uuid"
)

// ValueType mirrors the HCI type tags from read_config/read_message:
// 0 string, 1 borrowed string, 2 int, 3 double, 4 bool.
type ValueType int

const (
	TypeString  ValueType = 0
	TypeBytes   ValueType = 1
	TypeInteger ValueType = 2
	TypeDouble  ValueType = 3
	TypeBool    ValueType = 4
)

// Field is a single named, typed value (or array of values) attached to a
// Message. Only one of the Value* slices is populated for a given field;
// NewField, NewIntField and NewInt64Field each build a single-typed field,
// and AddField appends a field without checking it.
type Field struct {
	Name           string
	Representation string
	ValueType      ValueType
	ValueString    []string
	ValueInteger   []int64
	ValueDouble    []float64
	ValueBool      []bool
}

// NewField constructs a single-valued string Field.
func NewField(name, value, representation string) (*Field, error) {
	if name == "" {
		return nil, fmt.Errorf("NewField: invalid field name")
	}
	return &Field{
		Name:           name,
		Representation: representation,
		ValueType:      TypeString,
		ValueString:    []string{value},
	}, nil
}

// NewIntField constructs a single-valued integer Field with a unit string
// carried in Representation (mirrors sandbox_decoder.go's ReportMsg usage).
func NewIntField(msg *Message, name string, value int, representation string) {
	msg.AddField(&Field{
		Name:           name,
		Representation: representation,
		ValueType:      TypeInteger,
		ValueInteger:   []int64{int64(value)},
	})
}

// NewInt64Field is the int64 variant of NewIntField.
func NewInt64Field(msg *Message, name string, value int64, representation string) {
	msg.AddField(&Field{
		Name:           name,
		Representation: representation,
		ValueType:      TypeInteger,
		ValueInteger:   []int64{value},
	})
}

// Message is the Heka message envelope. Pointer fields distinguish "unset"
// from the zero value, the way the teacher's protobuf-generated message did.
type Message struct {
	Uuid       []byte
	Timestamp  *int64
	Type       *string
	Logger     *string
	Severity   *int32
	Payload    *string
	EnvVersion *string
	Pid        *int32
	Hostname   *string
	Fields     []*Field
}

func New() *Message {
	return &Message{}
}

func (m *Message) SetUuid(u []byte) {
	m.Uuid = append([]byte(nil), u...)
}

func (m *Message) GetUuid() []byte { return m.Uuid }

func (m *Message) SetTimestamp(ns int64) { m.Timestamp = &ns }

func (m *Message) GetTimestamp() int64 {
	if m.Timestamp == nil {
		return 0
	}
	return *m.Timestamp
}

func (m *Message) SetType(t string) { m.Type = &t }

func (m *Message) GetType() string {
	if m.Type == nil {
		return ""
	}
	return *m.Type
}

func (m *Message) SetLogger(l string) { m.Logger = &l }

func (m *Message) GetLogger() string {
	if m.Logger == nil {
		return ""
	}
	return *m.Logger
}

func (m *Message) SetSeverity(s int32) { m.Severity = &s }

func (m *Message) GetSeverity() int32 {
	if m.Severity == nil {
		return 0
	}
	return *m.Severity
}

func (m *Message) SetPayload(p string) { m.Payload = &p }

func (m *Message) GetPayload() string {
	if m.Payload == nil {
		return ""
	}
	return *m.Payload
}

func (m *Message) SetEnvVersion(v string) { m.EnvVersion = &v }

func (m *Message) GetEnvVersion() string {
	if m.EnvVersion == nil {
		return ""
	}
	return *m.EnvVersion
}

func (m *Message) SetPid(pid int32) { m.Pid = &pid }

func (m *Message) GetPid() int32 {
	if m.Pid == nil {
		return 0
	}
	return *m.Pid
}

func (m *Message) SetHostname(h string) { m.Hostname = &h }

func (m *Message) GetHostname() string {
	if m.Hostname == nil {
		return ""
	}
	return *m.Hostname
}

func (m *Message) AddField(f *Field) {
	m.Fields = append(m.Fields, f)
}

// FindFirstField returns the first field with the given name, or nil.
func (m *Message) FindFirstField(name string) *Field {
	for _, f := range m.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// NewUuid returns a fresh random RFC-4122 v4 UUID as 16 bytes; cmd/hekad
// stamps each incoming pack with one.
func NewUuid() []byte {
	id := uuid.New()
	return id[:]
}

// PipelinePack wraps a Message for transit through the host pipeline's
// plugin runners. Recycle calls RecycleFn, if the embedder set one, to
// return the pack to its input supply.
type PipelinePack struct {
	Message    *Message
	RecycleFn  func(*PipelinePack)
	Diagnostic []string
}

func (p *PipelinePack) Recycle() {
	if p.RecycleFn != nil {
		p.RecycleFn(p)
	}
}
