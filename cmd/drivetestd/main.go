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

// Package for main function of the drive test engine daemon
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jbod-tools/drivetest/pkg/base"
	"github.com/jbod-tools/drivetest/pkg/base/command"
	"github.com/jbod-tools/drivetest/pkg/base/config"
	"github.com/jbod-tools/drivetest/pkg/inventory"
	"github.com/jbod-tools/drivetest/pkg/orchestrator"
	"github.com/jbod-tools/drivetest/pkg/osdrive"
)

var (
	configPath  = flag.String("config", "", "path to engine config file")
	logPath     = flag.String("logpath", "", "log path for the engine")
	logLevel    = flag.String("loglevel", base.InfoLevel,
		"Log level, support values are info, debug, trace")
	metricsAddr = flag.String("metricsaddr", ":8787", "metrics endpoint address")
	workerBin   = flag.String("workerbin", "/usr/bin/testworker", "path to the test worker binary")
)

func main() {
	flag.Parse()

	logger, err := base.InitLogger(*logPath, *logLevel)
	if err != nil {
		logger.Warnf("Can't set logger's output to %s. Using stdout instead.", *logPath)
	}
	logger.Info("Start drive test engine")

	cfgWatcher := config.NewWatcher(*configPath, logger)
	if *configPath != "" {
		fileWatcher, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		defer fileWatcher.Close()
		go cfgWatcher.UpdateOnConfigChange(fileWatcher)
	}
	cfg := cfgWatcher.Config()

	e := command.NewExecutor(logger)
	detector := osdrive.NewDetector(e, logger)
	scanner := inventory.NewScanner(inventory.NewLSBLK(e), inventory.NewSMARTINFO(e), detector, logger)

	workerBinary := cfg.WorkerBinary
	if workerBinary == "" {
		workerBinary = *workerBin
	}
	orch := orchestrator.New(detector, orchestrator.Options{
		WorkerBinary: workerBinary,
		StopGrace:    time.Duration(cfg.StopGraceSeconds) * time.Second,
	}, logger)

	logStartupInventory(logger, detector, scanner, cfg.BayPolicy)

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Infof("Serving metrics on %s", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			logger.Errorf("Metrics server stopped: %v", err)
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, unix.SIGTERM, unix.SIGINT)
	sig := <-signals
	logger.Infof("Got %s signal, stopping active tests", sig)

	for device, run := range orch.GetAllProgress() {
		if run.Status != orchestrator.StatusRunning {
			continue
		}
		if !orch.StopTest(device) {
			logger.Infof("Test on %s finished before it could be stopped", device)
		}
	}
	logger.Info("Drive test engine stopped")
}

// logStartupInventory reports what the engine sees right after start so the
// bay mapping can be verified against the physical enclosure
func logStartupInventory(logger *logrus.Logger, detector *osdrive.Detector, scanner *inventory.Scanner, bayPolicy string) {
	record := detector.Identify()
	if record.Confidence == osdrive.ConfidenceUnknown {
		logger.Warnf("OS drive is unknown, every device will be rejected for testing")
	} else {
		logger.Infof("OS drive is %s, it is excluded from testing", record.Path)
	}

	inv, err := scanner.Scan(bayPolicy)
	if err != nil {
		logger.Warnf("Startup inventory scan failed: %v", err)
		return
	}
	logger.Infof("Inventory: %d testable drive(s)", len(inv.Devices()))
	for _, d := range inv.Devices() {
		logger.Infof("bay %d: %s sn=%s model=%q size=%d iface=%s",
			d.Bay, d.Path, d.SerialNumber, d.Model, d.SizeBytes, d.Interface)
	}
}
