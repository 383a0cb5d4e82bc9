/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
#
# The Initial Developer of the Original Code is the Mozilla Foundation.
# Portions created by the Initial Developer are Copyright (C) 2012
# the Initial Developer. All Rights Reserved.
#
# Contributor(s):
#   Mike Trinkala (trink@mozilla.com)
#
# ***** END LICENSE BLOCK *****/

// Package smtp is an email sink for injected sandbox output, adapted from
// the teacher's SmtpOutput the same way plugins/file was: no
// pipeline.OutputRunner wrapper, since the host plugin-runner/router
// machinery is out of this repo's scope (see DESIGN.md). A composition
// root calls Send directly off a sandbox's injection callback.
package smtp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/smtp"

	"github.com/jbli/lua-sandbox/message"
)

// SmtpOutputConfig keeps the teacher's SmtpOutputConfig field names/tags.
type SmtpOutputConfig struct {
	PayloadOnly bool     `toml:"payload_only"`
	SendFrom    string   `toml:"send_from"`
	SendTo      []string `toml:"send_to"`
	Host        string   `toml:"host"`
	Auth        string   `toml:"auth"`
	User        string   `toml:"user"`
	Password    string   `toml:"password"`
}

func DefaultSmtpOutputConfig() *SmtpOutputConfig {
	return &SmtpOutputConfig{
		PayloadOnly: true,
		SendFrom:    "lua-sandbox@localhost",
		Host:        "127.0.0.1:25",
		Auth:        "none",
	}
}

// SmtpOutput emails injected messages via net/smtp, same as the teacher's
// sendFunction indirection (kept so tests can swap in a fake mailer).
type SmtpOutput struct {
	conf         *SmtpOutputConfig
	auth         smtp.Auth
	subject      string
	sendFunction func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSmtpOutput(conf *SmtpOutputConfig, subject string) (*SmtpOutput, error) {
	if len(conf.SendTo) == 0 {
		return nil, fmt.Errorf("SmtpOutput: send_to must name at least one recipient")
	}
	host, _, err := net.SplitHostPort(conf.Host)
	if err != nil {
		return nil, fmt.Errorf("SmtpOutput: host must contain a port specifier: %w", err)
	}

	o := &SmtpOutput{conf: conf, subject: subject, sendFunction: smtp.SendMail}
	switch conf.Auth {
	case "Plain":
		o.auth = smtp.PlainAuth("", conf.User, conf.Password, host)
	case "CRAMMD5":
		o.auth = smtp.CRAMMD5Auth(conf.User, conf.Password)
	case "none", "":
		o.auth = nil
	default:
		return nil, fmt.Errorf("SmtpOutput: invalid auth type %q", conf.Auth)
	}
	return o, nil
}

// Send emails m, either as a payload-only message or a full JSON dump of
// the message envelope, per conf.PayloadOnly (same split the teacher's
// Run method made per incoming pack).
func (o *SmtpOutput) Send(m *message.Message) error {
	var body []byte
	if o.conf.PayloadOnly {
		body = []byte(fmt.Sprintf("Subject: %s\r\n\r\n%s", o.subject, m.GetPayload()))
	} else {
		contents, err := json.Marshal(jsonMessage(m))
		if err != nil {
			return fmt.Errorf("SmtpOutput: encode json: %w", err)
		}
		body = bytes.Join([][]byte{
			[]byte(fmt.Sprintf("Subject: %s\r\n\r\n", o.subject)),
			contents,
		}, nil)
	}
	return o.sendFunction(o.conf.Host, o.auth, o.conf.SendFrom, o.conf.SendTo, body)
}

func jsonMessage(m *message.Message) map[string]interface{} {
	return map[string]interface{}{
		"uuid":        m.GetUuid(),
		"timestamp":   m.GetTimestamp(),
		"type":        m.GetType(),
		"logger":      m.GetLogger(),
		"severity":    m.GetSeverity(),
		"payload":     m.GetPayload(),
		"env_version": m.GetEnvVersion(),
		"pid":         m.GetPid(),
		"hostname":    m.GetHostname(),
		"fields":      m.Fields,
	}
}
