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

// Package protobuf encodes a message into the wire format spec.md §4.4
// describes: ten fixed fields in order, a nested repeated Fields message,
// and length prefixes back-patched in a single forward pass rather than
// computed ahead of time.
package protobuf

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jbli/lua-sandbox/sandbox/lua/obuf"
)

// Field tags, fixed by spec.md §4.4.
const (
	fieldUuid       = 1
	fieldTimestamp  = 2
	fieldType       = 3
	fieldLogger     = 4
	fieldSeverity   = 5
	fieldPayload    = 6
	fieldEnvVersion = 7
	fieldPid        = 8
	fieldHostname   = 9
	fieldFields     = 10
)

// Sub-message tags for each entry of the repeated Fields field.
const (
	subFieldName           = 1
	subFieldValueType      = 2
	subFieldRepresentation = 3
	subFieldValueString    = 4
	subFieldValueBytes     = 5
	subFieldValueInteger   = 6
	subFieldValueDouble    = 7
	subFieldValueBool      = 8
)

// ValueType mirrors message.ValueType without importing the message
// package, keeping this encoder usable standalone against anything that
// can produce a Field.
type ValueType int

const (
	TypeString ValueType = iota
	TypeBytes
	TypeInteger
	TypeDouble
	TypeBool
)

// Field is one entry of the message's repeated Fields array. Exactly one
// of the Value* slices should be populated; Encode rejects a Field with
// more than one populated.
type Field struct {
	Name           string
	Representation string
	ValueType      ValueType
	ValueString    []string
	ValueBytes     [][]byte
	ValueInteger   []int64
	ValueDouble    []float64
	ValueBool      []bool
}

// Message is the flattened, already-typed payload Encode writes. A zero
// Timestamp or empty Uuid means "fill it in here" so callers that only
// care about Fields don't have to plumb a clock or RNG through.
type Message struct {
	Uuid       []byte
	Timestamp  int64
	Type       string
	Logger     string
	Severity   int32
	Payload    string
	EnvVersion string
	Pid        int32
	Hostname   string
	Fields     []Field
}

// NewUuid returns a 16-byte v4 UUID with the version/variant bits forced
// explicitly (spec.md §9: don't just trust whatever generator produced
// the 16 bytes).
func NewUuid() []byte {
	id := uuid.New()
	b := [16]byte(id)
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return b[:]
}

// Encode appends m's wire representation to buf. Fields are written in
// strict tag order 1..10; each length-delimited field is framed with a
// one-byte placeholder that is back-patched (or, if the encoded length
// needs more than one varint byte, the placeholder is widened in place)
// once its body has been written — a single forward pass over buf, no
// pre-computation of lengths.
func Encode(buf *obuf.Buffer, m *Message) error {
	id := m.Uuid
	if len(id) == 0 {
		id = NewUuid()
	}
	if len(id) != 16 {
		return fmt.Errorf("protobuf: uuid must be 16 bytes, got %d", len(id))
	}
	if err := writeBytesField(buf, fieldUuid, id); err != nil {
		return err
	}
	ts := m.Timestamp
	if ts == 0 {
		ts = time.Now().UnixNano()
	}
	if err := writeVarintField(buf, fieldTimestamp, uint64(ts)); err != nil {
		return err
	}
	if m.Type != "" {
		if err := writeStringField(buf, fieldType, m.Type); err != nil {
			return err
		}
	}
	if m.Logger != "" {
		if err := writeStringField(buf, fieldLogger, m.Logger); err != nil {
			return err
		}
	}
	if err := writeVarintField(buf, fieldSeverity, uint64(uint32(m.Severity))); err != nil {
		return err
	}
	if m.Payload != "" {
		if err := writeStringField(buf, fieldPayload, m.Payload); err != nil {
			return err
		}
	}
	if m.EnvVersion != "" {
		if err := writeStringField(buf, fieldEnvVersion, m.EnvVersion); err != nil {
			return err
		}
	}
	if err := writeVarintField(buf, fieldPid, uint64(uint32(m.Pid))); err != nil {
		return err
	}
	if m.Hostname != "" {
		if err := writeStringField(buf, fieldHostname, m.Hostname); err != nil {
			return err
		}
	}
	for i := range m.Fields {
		if err := encodeField(buf, &m.Fields[i]); err != nil {
			return err
		}
	}
	return nil
}

func encodeField(buf *obuf.Buffer, f *Field) error {
	populated := 0
	for _, n := range []int{len(f.ValueString), len(f.ValueBytes), len(f.ValueInteger), len(f.ValueDouble), len(f.ValueBool)} {
		if n > 0 {
			populated++
		}
	}
	if populated > 1 {
		return fmt.Errorf("protobuf: field %q mixes value types", f.Name)
	}
	return writeLengthDelimited(buf, fieldFields, func(buf *obuf.Buffer) error {
		if err := writeStringField(buf, subFieldName, f.Name); err != nil {
			return err
		}
		if err := writeVarintField(buf, subFieldValueType, uint64(f.ValueType)); err != nil {
			return err
		}
		if f.Representation != "" {
			if err := writeStringField(buf, subFieldRepresentation, f.Representation); err != nil {
				return err
			}
		}
		for _, s := range f.ValueString {
			if err := writeStringField(buf, subFieldValueString, s); err != nil {
				return err
			}
		}
		for _, b := range f.ValueBytes {
			if err := writeBytesField(buf, subFieldValueBytes, b); err != nil {
				return err
			}
		}
		for _, n := range f.ValueInteger {
			if err := writeVarintField(buf, subFieldValueInteger, uint64(n)); err != nil {
				return err
			}
		}
		for _, d := range f.ValueDouble {
			if err := writeFixed64Field(buf, subFieldValueDouble, d); err != nil {
				return err
			}
		}
		for _, v := range f.ValueBool {
			n := uint64(0)
			if v {
				n = 1
			}
			if err := writeVarintField(buf, subFieldValueBool, n); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeVarintField(buf *obuf.Buffer, fieldNum int, v uint64) error {
	tag := protowire.AppendTag(nil, protowire.Number(fieldNum), protowire.VarintType)
	if err := buf.Write(tag); err != nil {
		return err
	}
	return buf.Write(protowire.AppendVarint(nil, v))
}

func writeFixed64Field(buf *obuf.Buffer, fieldNum int, f float64) error {
	tag := protowire.AppendTag(nil, protowire.Number(fieldNum), protowire.Fixed64Type)
	if err := buf.Write(tag); err != nil {
		return err
	}
	return buf.Write(protowire.AppendFixed64(nil, math.Float64bits(f)))
}

func writeStringField(buf *obuf.Buffer, fieldNum int, s string) error {
	return writeLengthDelimited(buf, fieldNum, func(buf *obuf.Buffer) error {
		return buf.WriteString(s)
	})
}

func writeBytesField(buf *obuf.Buffer, fieldNum int, b []byte) error {
	return writeLengthDelimited(buf, fieldNum, func(buf *obuf.Buffer) error {
		return buf.Write(b)
	})
}

// writeLengthDelimited writes fieldNum's tag, a one-byte length
// placeholder, runs body (which appends the field's content directly to
// buf), then patches the placeholder with the real varint-encoded length
// — widening it in place via obuf.Buffer.InsertAt if the body turned out
// to be longer than 127 bytes, so that its length needs more than one
// varint byte.
func writeLengthDelimited(buf *obuf.Buffer, fieldNum int, body func(*obuf.Buffer) error) error {
	tag := protowire.AppendTag(nil, protowire.Number(fieldNum), protowire.BytesType)
	if err := buf.Write(tag); err != nil {
		return err
	}
	lenPos := buf.Position()
	if err := buf.WriteByte(0); err != nil {
		return err
	}
	bodyStart := buf.Position()
	if err := body(buf); err != nil {
		return err
	}
	bodyLen := buf.Position() - bodyStart
	return patchLength(buf, lenPos, bodyLen)
}

func patchLength(buf *obuf.Buffer, lenPos, length uint) error {
	varint := protowire.AppendVarint(nil, uint64(length))
	if len(varint) == 1 {
		buf.Patch(lenPos, varint)
		return nil
	}
	extra := make([]byte, len(varint)-1)
	if err := buf.InsertAt(lenPos+1, extra); err != nil {
		return err
	}
	buf.Patch(lenPos, varint)
	return nil
}
