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
#   Rob Miller (rmiller@mozilla.com)
#   Mike Trinkala (trink@mozilla.com)
#
# ***** END LICENSE BLOCK *****/

// Package file is a rolling-file sink for injected sandbox output. Unlike
// the teacher's FileOutput, it isn't driven by a pipeline.OutputRunner —
// SPEC_FULL.md scopes the full plugin-runner/router/match-runner
// machinery out as an external collaborator (see DESIGN.md) — it is
// instead handed one message at a time directly by whatever composition
// root wires it up (cmd/hekad writes each pack its sandbox decoder returns).
package file

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jbli/lua-sandbox/message"
)

// FileFormats mirrors the teacher's FILEFORMATS: the three serializations
// a FileOutput instance can be configured to write.
var FileFormats = map[string]bool{
	"json":           true,
	"text":           true,
	"protobufstream": true,
}

const tsFormat = "[2006/Jan/02:15:04:05 -0700] "
const newline = '\n'

// FileOutputConfig is the TOML-decoded configuration for a FileOutput,
// keeping the teacher's path/format/prefix_ts/flush_interval names. The
// teacher's perm and folder_perm settings have no field here: lumberjack
// owns file creation with its own fixed 0600 mode and rotation
// bookkeeping. FlushInterval is not consulted; Write hands every message
// to the file as it arrives.
type FileOutputConfig struct {
	Path          string `toml:"path"`
	Format        string `toml:"format"`
	PrefixTs      bool   `toml:"prefix_ts"`
	FlushInterval uint32 `toml:"flush_interval"`
	MaxSizeMB     int    `toml:"max_size_mb"`
	MaxBackups    int    `toml:"max_backups"`
	MaxAgeDays    int    `toml:"max_age_days"`
	Compress      bool   `toml:"compress"`
}

func DefaultFileOutputConfig() *FileOutputConfig {
	return &FileOutputConfig{
		Format:        "text",
		FlushInterval: 1000,
		MaxSizeMB:     100,
		MaxBackups:    5,
		MaxAgeDays:    30,
	}
}

// FileOutput writes injected message contents to a rotating file on the
// local filesystem. The teacher reopened its destination file on SIGHUP
// via go-notify; lumberjack.Logger handles rotation (size/age/backup
// count) internally, so that manual reopen plumbing is gone along with
// the go-notify dependency (see DESIGN.md's dropped-dependency table).
type FileOutput struct {
	conf   *FileOutputConfig
	logger *lumberjack.Logger
	mu     sync.Mutex
}

func NewFileOutput(conf *FileOutputConfig) (*FileOutput, error) {
	if _, ok := FileFormats[conf.Format]; !ok {
		return nil, fmt.Errorf("FileOutput %q: unsupported format %q", conf.Path, conf.Format)
	}
	return &FileOutput{
		conf: conf,
		logger: &lumberjack.Logger{
			Filename:   conf.Path,
			MaxSize:    conf.MaxSizeMB,
			MaxBackups: conf.MaxBackups,
			MaxAge:     conf.MaxAgeDays,
			Compress:   conf.Compress,
		},
	}, nil
}

// Write serializes m per the configured format and appends it to the
// rotating file, the way the teacher's handleMessage+committer pair did
// in one synchronous step rather than across a batching goroutine pair —
// lumberjack's Write is itself safe to call from the single goroutine
// each injected message arrives on.
func (o *FileOutput) Write(m *message.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []byte
	if o.conf.PrefixTs && o.conf.Format != "protobufstream" {
		out = append(out, time.Now().Format(tsFormat)...)
	}

	switch o.conf.Format {
	case "json":
		js, err := json.Marshal(jsonMessage(m))
		if err != nil {
			return fmt.Errorf("FileOutput %q: encode json: %w", o.conf.Path, err)
		}
		out = append(out, js...)
		out = append(out, newline)
	case "text":
		out = append(out, m.GetPayload()...)
		out = append(out, newline)
	case "protobufstream":
		framed, err := encodeProtobufStream(m)
		if err != nil {
			return fmt.Errorf("FileOutput %q: encode protobuf: %w", o.conf.Path, err)
		}
		out = append(out, framed...)
	default:
		return fmt.Errorf("FileOutput %q: invalid serialization format %q", o.conf.Path, o.conf.Format)
	}

	n, err := o.logger.Write(out)
	if err != nil {
		return fmt.Errorf("FileOutput %q: %w", o.conf.Path, err)
	}
	if n != len(out) {
		return fmt.Errorf("FileOutput %q: truncated write", o.conf.Path)
	}
	return nil
}

func (o *FileOutput) Close() error {
	return o.logger.Close()
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
