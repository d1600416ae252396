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

// Package config contains engine configuration and its file watcher
package config

import (
	"io/ioutil"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	// BayPolicyHost maps bay number from the SCSI host component
	BayPolicyHost = "host"
	// BayPolicyChannel maps bay number from the SCSI channel component
	BayPolicyChannel = "channel"
	// BayPolicyTarget maps bay number from the SCSI target component.
	// It is the house convention for direct-attached backplanes and the default
	BayPolicyTarget = "target"
	// BayPolicyLun maps bay number from the SCSI lun component
	BayPolicyLun = "lun"
)

// Config represents settings of the drive test engine
type Config struct {
	// LogLevel is a logging level, one of info/debug/trace
	LogLevel string `yaml:"logLevel"`
	// BayPolicy selects which component of the SCSI address becomes the bay number.
	// The target-based mapping is an environment convention, not a kernel guarantee,
	// so it stays configurable for other backplane topologies
	BayPolicy string `yaml:"bayPolicy"`
	// TemperatureWarnThreshold is a drive temperature in Celsius above which
	// the health check reports a warning
	TemperatureWarnThreshold int `yaml:"temperatureWarnThreshold"`
	// StopGraceSeconds is how long to wait for a worker to exit after a
	// cooperative termination request before it is killed
	StopGraceSeconds int `yaml:"stopGraceSeconds"`
	// WorkerBinary is a path to the test worker executable
	WorkerBinary string `yaml:"workerBinary"`
	// SurfaceScanErrorLimit bounds the number of defects after which a surface scan stops
	SurfaceScanErrorLimit int `yaml:"surfaceScanErrorLimit"`
}

// Default returns config with default settings
func Default() Config {
	return Config{
		LogLevel:                 "info",
		BayPolicy:                BayPolicyTarget,
		TemperatureWarnThreshold: 60,
		StopGraceSeconds:         5,
		SurfaceScanErrorLimit:    10,
	}
}

// Watcher holds current config and re-reads it when the backing file changes
type Watcher struct {
	sync.Mutex
	path   string
	config Config
	log    *logrus.Entry
}

// NewWatcher is a constructor for Watcher, reads config from path at once.
// Missing or broken file is not fatal, defaults are used instead
func NewWatcher(path string, logger *logrus.Logger) *Watcher {
	w := &Watcher{
		path:   path,
		config: Default(),
		log:    logger.WithField("component", "ConfigWatcher"),
	}
	if path != "" {
		if err := w.readConfig(); err != nil {
			w.log.Warnf("unable to read config %s, using defaults: %v", path, err)
		}
	}
	return w
}

// Config returns a copy of the current config
func (w *Watcher) Config() Config {
	w.Lock()
	defer w.Unlock()
	return w.config
}

// readConfig reads and parses the config file and merges it over defaults
func (w *Watcher) readConfig() error {
	data, err := ioutil.ReadFile(w.path)
	if err != nil {
		return err
	}
	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return err
	}
	w.Lock()
	w.config = config
	w.Unlock()
	return nil
}

// UpdateOnConfigChange triggers config re-read on file change events.
// Blocks until watcher is closed
func (w *Watcher) UpdateOnConfigChange(watcher *fsnotify.Watcher) {
	ll := w.log.WithField("method", "UpdateOnConfigChange")
	if err := watcher.Add(w.path); err != nil {
		ll.Errorf("can't add config to file watcher %s", err)
		return
	}
	for {
		event, ok := <-watcher.Events
		if !ok {
			ll.Info("file watcher is closed")
			return
		}
		ll.Debugf("event %s came ", event.Op)

		switch event.Op {
		case fsnotify.Chmod:
			continue
		case fsnotify.Remove:
			if err := watcher.Remove(w.path); err != nil {
				ll.Debugf("can't remove config from file watcher %s", err)
			}
			if err := watcher.Add(w.path); err != nil {
				ll.Errorf("can't add config to file watcher %s", err)
				return
			}
		}
		if err := w.readConfig(); err != nil {
			ll.Warnf("unable to re-read config: %v", err)
			continue
		}
		ll.Infof("config %s is updated", w.path)
	}
}
