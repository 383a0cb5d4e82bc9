/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
#
# The Initial Developer of the Original Code is the Mozilla Foundation.
# Portions created by the Initial Developer are Copyright (C) 2012
# the Initial Developer. All Rights Reserved.
#
# ***** END LICENSE BLOCK *****/

package file

import (
	"github.com/jbli/lua-sandbox/message"
	"github.com/jbli/lua-sandbox/sandbox"
	"github.com/jbli/lua-sandbox/sandbox/lua/obuf"
	"github.com/jbli/lua-sandbox/sandbox/lua/protobuf"
)

// encodeProtobufStream replaces the teacher's ProtobufEncodeMessage (which
// came from the dead code.google.com/p/goprotobuf path); it flattens a
// message.Message into the ten-field wire format sandbox/lua/protobuf
// already implements for inject_message, so "protobufstream" format files
// here use the exact same encoder a Lua script's untyped inject_message
// call does.
func encodeProtobufStream(m *message.Message) ([]byte, error) {
	pm := &protobuf.Message{
		Uuid:       m.GetUuid(),
		Timestamp:  m.GetTimestamp(),
		Type:       m.GetType(),
		Logger:     m.GetLogger(),
		Severity:   m.GetSeverity(),
		Payload:    m.GetPayload(),
		EnvVersion: m.GetEnvVersion(),
		Pid:        m.GetPid(),
		Hostname:   m.GetHostname(),
	}
	for _, f := range m.Fields {
		pm.Fields = append(pm.Fields, protobuf.Field{
			Name:           f.Name,
			Representation: f.Representation,
			ValueType:      protobuf.ValueType(f.ValueType),
			ValueString:    f.ValueString,
			ValueInteger:   f.ValueInteger,
			ValueDouble:    f.ValueDouble,
			ValueBool:      f.ValueBool,
		})
	}

	buf := obuf.New(sandbox.MaxOutput)
	if err := protobuf.Encode(buf, pm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
