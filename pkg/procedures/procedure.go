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

// Package procedures contains the diagnostic procedure library of the engine.
// Each procedure drives an external tool against a single device and reports
// progress and findings through a Reporter
package procedures

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/jbod-tools/drivetest/pkg/base/command"
	errTypes "github.com/jbod-tools/drivetest/pkg/base/error"
)

// Params are free-form string options passed to a procedure
type Params map[string]string

// String returns value for key or def when key is absent
func (p Params) String(key, def string) string {
	if value, ok := p[key]; ok && value != "" {
		return value
	}
	return def
}

// Int returns integer value for key or def when key is absent or not a number
func (p Params) Int(key string, def int) int {
	value, ok := p[key]
	if !ok {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

// Reporter receives progress and findings of a running procedure
type Reporter interface {
	// Step reports the current phase and overall completion in percent
	Step(step string, percent float64)
	// Result records a named finding, e.g. a SMART counter or a throughput figure
	Result(key, value string)
}

// Procedure is a single diagnostic routine for one device.
// Run blocks until the procedure finishes or ctx is cancelled.
// A non-nil error means the device failed the procedure or the tool broke
type Procedure interface {
	Name() string
	Run(ctx context.Context, device string, params Params, r Reporter) error
}

// Config carries tunables shared by the built-in procedures
type Config struct {
	// TemperatureWarnThreshold is drive temperature in Celsius above which
	// the health check records a warning
	TemperatureWarnThreshold int
	// SurfaceScanErrorLimit bounds the number of defects after which a surface scan stops
	SurfaceScanErrorLimit int
}

// aliases maps historical procedure names to their current ones
var aliases = map[string]string{
	"smart":      "health_check",
	"smart_full": "health_check",
	"badblocks":  "badblocks_read",
	"block_size": "format",
}

// classifyToolError wraps an executor error for a procedure caller.
// A missing binary keeps its ErrorToolUnavailable identity and a timeout
// keeps ErrorTimeout, everything else becomes an ErrorToolFailure
func classifyToolError(tool, device string, err error) error {
	if errors.Is(err, errTypes.ErrorToolUnavailable) || errors.Is(err, errTypes.ErrorTimeout) {
		return fmt.Errorf("%s on %s: %w", tool, device, err)
	}
	return fmt.Errorf("%s failed on %s: %v: %w", tool, device, err, errTypes.ErrorToolFailure)
}

// Registry holds all known procedures addressable by name or alias
type Registry struct {
	procedures map[string]Procedure
	log        *logrus.Entry
}

// NewRegistry builds a Registry with all built-in procedures registered
func NewRegistry(e command.CmdExecutor, cfg Config, logger *logrus.Logger) *Registry {
	r := &Registry{
		procedures: make(map[string]Procedure),
		log:        logger.WithField("component", "ProcedureRegistry"),
	}
	for _, p := range []Procedure{
		NewHealthCheck(e, cfg, logger),
		NewSelfTest(e, logger, SelfTestShort),
		NewSelfTest(e, logger, SelfTestExtended),
		NewSelfTest(e, logger, SelfTestConveyance),
		NewSurfaceScan(e, cfg, logger, false),
		NewSurfaceScan(e, cfg, logger, true),
		NewSeqPerf(e, logger),
		NewRandPerf(e, logger),
		NewFormat(e, logger),
	} {
		r.Register(p)
	}
	return r
}

// Register adds procedure to the registry replacing any previous one with the same name
func (r *Registry) Register(p Procedure) {
	r.procedures[p.Name()] = p
}

// Get resolves name or alias to a registered procedure
// Returns ErrorNotFound based error for unknown names
func (r *Registry) Get(name string) (Procedure, error) {
	if canonical, ok := aliases[name]; ok {
		name = canonical
	}
	p, ok := r.procedures[name]
	if !ok {
		return nil, fmt.Errorf("procedure %q: %w", name, errTypes.ErrorNotFound)
	}
	return p, nil
}

// Names returns sorted canonical names of all registered procedures
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.procedures))
	for name := range r.procedures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
