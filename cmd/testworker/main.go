/*
Copyright © 2021 Dell Inc. or its subsidiaries. All Rights Reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

   http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package for main function of the test worker. The worker runs exactly one
// diagnostic procedure against one device and exits. The engine spawns it in
// its own process group, so a crash of an external tool never takes the engine
// down. Progress and findings go to stdout as JSON lines, logs go to stderr
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/jbod-tools/drivetest/pkg/base"
	"github.com/jbod-tools/drivetest/pkg/base/command"
	"github.com/jbod-tools/drivetest/pkg/base/config"
	errTypes "github.com/jbod-tools/drivetest/pkg/base/error"
	"github.com/jbod-tools/drivetest/pkg/orchestrator"
	"github.com/jbod-tools/drivetest/pkg/osdrive"
	"github.com/jbod-tools/drivetest/pkg/procedures"
)

var (
	device     = flag.String("device", "", "path of the device under test")
	procedure  = flag.String("procedure", "", "name of the procedure to run")
	params     = flag.String("params", "", "procedure parameters in k=v,k=v form")
	configPath = flag.String("config", "", "path to engine config file")
	logLevel   = flag.String("loglevel", base.InfoLevel,
		"Log level, support values are info, debug, trace")
)

func main() {
	flag.Parse()

	logger, err := base.InitLogger("", *logLevel)
	if err != nil {
		logger.Warnf("Can't initialize logger: %v", err)
	}
	// stdout belongs to the protocol stream
	logger.SetOutput(os.Stderr)

	out := newEmitter(os.Stdout)
	if *device == "" || *procedure == "" {
		out.done(orchestrator.DoneFailed, "device and procedure flags are required")
		os.Exit(2)
	}

	cfg := config.NewWatcher(*configPath, logger).Config()
	e := command.NewExecutor(logger)

	// the engine already vetted the device, re-check here because the worker
	// is the process that actually opens it
	if osdrive.NewDetector(e, logger).IsOSDrive(*device) {
		out.done(orchestrator.DoneFailed, errTypes.ErrorSafetyViolation.Error())
		os.Exit(1)
	}

	registry := procedures.NewRegistry(e, procedures.Config{
		TemperatureWarnThreshold: cfg.TemperatureWarnThreshold,
		SurfaceScanErrorLimit:    cfg.SurfaceScanErrorLimit,
	}, logger)
	p, err := registry.Get(*procedure)
	if err != nil {
		out.done(orchestrator.DoneFailed, err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, unix.SIGTERM, unix.SIGINT)
	go func() {
		sig := <-signals
		logger.Infof("Got %s signal, cancelling %s on %s", sig, p.Name(), *device)
		cancel()
	}()

	logger.Infof("Running %s on %s", p.Name(), *device)
	err = p.Run(ctx, *device, procedures.Params(orchestrator.DecodeParams(*params)), out)
	switch {
	case err == nil:
		out.done(orchestrator.DoneCompleted, "")
	case errors.Is(err, context.Canceled):
		out.done(orchestrator.DoneCancelled, err.Error())
	default:
		out.done(orchestrator.DoneFailed, err.Error())
		os.Exit(1)
	}
}

// emitter writes protocol messages to the engine, keeping reported progress
// monotonic no matter what the procedure reports
type emitter struct {
	sync.Mutex
	enc     *json.Encoder
	percent float64
}

func newEmitter(w *os.File) *emitter {
	return &emitter{enc: json.NewEncoder(w)}
}

// Step implements procedures.Reporter
func (e *emitter) Step(step string, percent float64) {
	e.Lock()
	defer e.Unlock()
	if percent > 100 {
		percent = 100
	}
	if percent < e.percent {
		percent = e.percent
	}
	e.percent = percent
	_ = e.enc.Encode(orchestrator.Message{Type: orchestrator.MsgProgress, Step: step, Percent: percent})
}

// Result implements procedures.Reporter
func (e *emitter) Result(key, value string) {
	e.Lock()
	defer e.Unlock()
	_ = e.enc.Encode(orchestrator.Message{Type: orchestrator.MsgResult, Key: key, Value: value})
}

// done emits the final protocol message
func (e *emitter) done(status, errMsg string) {
	e.Lock()
	defer e.Unlock()
	_ = e.enc.Encode(orchestrator.Message{Type: orchestrator.MsgDone, Status: status, Error: errMsg})
}
