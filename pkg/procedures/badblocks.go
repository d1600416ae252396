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

package procedures

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jbod-tools/drivetest/pkg/base/command"
)

const (
	// BadblocksReadCmdTmpl is a CMD for a non-destructive surface read scan
	BadblocksReadCmdTmpl = "badblocks -sv %s"
	// BadblocksWriteCmdTmpl is a CMD for a destructive write-mode surface scan
	BadblocksWriteCmdTmpl = "badblocks -wsv %s"
)

// progressRegexp matches badblocks in-place progress updates like "12.34% done, 1:23 elapsed"
var progressRegexp = regexp.MustCompile(`(\d+(?:\.\d+)?)% done`)

// summaryRegexp matches the final pass summary like "Pass completed, 0 bad blocks found. (0/0/0 errors)"
var summaryRegexp = regexp.MustCompile(`(\d+) bad blocks found`)

// SurfaceScan runs badblocks over the whole device surface.
// Read mode is non-destructive, write mode destroys all data on the device
type SurfaceScan struct {
	e     command.CmdExecutor
	cfg   Config
	log   *logrus.Entry
	write bool
}

// NewSurfaceScan is a constructor for SurfaceScan, write selects the destructive mode
func NewSurfaceScan(e command.CmdExecutor, cfg Config, logger *logrus.Logger, write bool) *SurfaceScan {
	return &SurfaceScan{e: e, cfg: cfg, log: logger.WithField("component", "SurfaceScan"), write: write}
}

// Name returns the canonical procedure name of the scan mode
func (s *SurfaceScan) Name() string {
	if s.write {
		return "badblocks_write"
	}
	return "badblocks_read"
}

// Command builds the badblocks invocation for device honoring the defect limit
func (s *SurfaceScan) Command(device string) string {
	tmpl := BadblocksReadCmdTmpl
	if s.write {
		tmpl = BadblocksWriteCmdTmpl
	}
	if s.cfg.SurfaceScanErrorLimit > 0 {
		return fmt.Sprintf(tmpl, fmt.Sprintf("-e %d %s", s.cfg.SurfaceScanErrorLimit, device))
	}
	return fmt.Sprintf(tmpl, device)
}

// Run streams badblocks output, translating its in-place progress updates to
// Step calls and collecting defect blocks it prints.
// Returns error when the scan found defects or the tool itself failed
func (s *SurfaceScan) Run(ctx context.Context, device string, params Params, r Reporter) error {
	ll := s.log.WithField("method", "Run").WithField("device", device)

	step := "read scan"
	if s.write {
		step = "write scan"
	}
	r.Step(step, s.percent(0))

	defects := make([]string, 0)
	onLine := func(line string) {
		if m := progressRegexp.FindStringSubmatch(line); m != nil {
			pct, err := strconv.ParseFloat(m[1], 64)
			if err == nil {
				r.Step(step, s.percent(pct))
			}
			return
		}
		trimmed := strings.TrimSpace(line)
		if _, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			// badblocks prints each defect block number on its own line
			defects = append(defects, trimmed)
			return
		}
		if summaryRegexp.MatchString(trimmed) {
			ll.Infof("badblocks: %s", trimmed)
			return
		}
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "checking") {
			// banner lines mention "bad blocks" without reporting any
			return
		}
		if strings.Contains(lower, "bad") || strings.Contains(lower, "error") {
			// read/write failures the tool reports in prose count as defects
			// even when no block number line follows
			ll.Warnf("badblocks: %s", trimmed)
			defects = append(defects, trimmed)
		}
	}

	err := s.e.RunStreamCmd(ctx, s.Command(device), onLine)
	r.Result("bad_blocks", strings.Join(defects, ","))

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return classifyToolError("badblocks", device, err)
	}
	if len(defects) > 0 {
		return fmt.Errorf("surface scan found %d defects on %s", len(defects), device)
	}
	r.Step("completed", 100)
	return nil
}

// percent maps tool progress to the overall band of the scan.
// The write scan reserves a bigger head room because badblocks restarts
// its counter for the verification pass
func (s *SurfaceScan) percent(toolPct float64) float64 {
	if s.write {
		return 10 + toolPct*0.85
	}
	return 5 + toolPct*0.9
}
