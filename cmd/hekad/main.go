/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
#
# The Initial Developer of the Original Code is the Mozilla Foundation.
# Portions created by the Initial Developer are Copyright (C) 2013
# the Initial Developer. All Rights Reserved.
#
# ***** END LICENSE BLOCK *****/

// Command hekad is the composition root: it loads a TOML config naming a
// sandbox script and an output sink, decodes one message from stdin
// through the sandbox, and writes the result out. It is deliberately
// small — SPEC_FULL.md scopes the full multi-input/router/filter pipeline
// out — but it is the one place every other package in this tree gets
// wired together and actually run, the way the teacher's cmd/hekad did
// for the full plugin-runner graph.
package main

import (
	"flag"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/jbli/lua-sandbox/message"
	"github.com/jbli/lua-sandbox/plugins/file"
	"github.com/jbli/lua-sandbox/sandbox"
	"github.com/jbli/lua-sandbox/sandbox/plugins"
)

// config is the TOML shape hekad.toml decodes into: one sandbox decoder
// and one file sink. A real Heka config fans out to many of each; this
// composition root wires exactly one of each to keep the example honest
// about what's actually exercised end-to-end.
type config struct {
	Decoder sandbox.Config        `toml:"decoder"`
	Output  file.FileOutputConfig `toml:"file_output"`
}

func defaultConfig() config {
	return config{
		Decoder: *plugins.DefaultSandboxDecoderConfig(),
		Output:  *file.DefaultFileOutputConfig(),
	}
}

func main() {
	configPath := flag.String("config", "hekad.toml", "path to the TOML configuration file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := defaultConfig()
	if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	decoder := &plugins.SandboxDecoder{}
	if err := decoder.Init(&cfg.Decoder); err != nil {
		log.WithError(err).Fatal("failed to start sandbox decoder")
	}
	defer decoder.Shutdown()

	out, err := file.NewFileOutput(&cfg.Output)
	if err != nil {
		log.WithError(err).Fatal("failed to start file output")
	}
	defer out.Close()

	log.WithFields(logrus.Fields{
		"script": cfg.Decoder.ScriptFilename,
		"output": cfg.Output.Path,
	}).Info("hekad starting")

	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		log.WithError(err).Fatal("failed to read input")
	}

	pack := &message.PipelinePack{Message: message.New()}
	pack.Message.SetUuid(message.NewUuid())
	pack.Message.SetPayload(string(payload))

	packs, err := decoder.Decode(pack)
	if err != nil {
		log.WithError(err).Error("decode failed")
		os.Exit(1)
	}

	for _, p := range packs {
		if err := out.Write(p.Message); err != nil {
			log.WithError(err).Error("write failed")
		}
	}
	log.WithField("count", len(packs)).Info("hekad done")
}
