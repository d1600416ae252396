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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jbod-tools/drivetest/pkg/base/command"
	errTypes "github.com/jbod-tools/drivetest/pkg/base/error"
)

const (
	// SmartctlAllCmdTmpl is a CMD to get full SMART report for a device
	SmartctlAllCmdTmpl = "smartctl --all %s"
	// SmartctlTestCmdTmpl is a CMD to start a SMART self-test, args are mode and device
	SmartctlTestCmdTmpl = "smartctl --test %s %s"
	// SmartctlSelftestLogCmdTmpl is a CMD to read the SMART self-test log of a device
	SmartctlSelftestLogCmdTmpl = "smartctl --log selftest %s"
)

// criticalAttributes are SMART counters whose non-zero raw value fails the health check
var criticalAttributes = map[string]bool{
	"Reallocated_Sector_Ct":  true,
	"Current_Pending_Sector": true,
	"Offline_Uncorrectable":  true,
}

// recordedAttributes are SMART counters always copied into the result set
var recordedAttributes = map[string]string{
	"Power_On_Hours":         "power_on_hours",
	"Power_Cycle_Count":      "power_cycle_count",
	"Reallocated_Sector_Ct":  "reallocated_sectors",
	"Current_Pending_Sector": "pending_sectors",
	"Offline_Uncorrectable":  "offline_uncorrectable",
	"Temperature_Celsius":    "temperature_celsius",
}

// smartAttribute is one row of the SMART attribute table
type smartAttribute struct {
	ID     int
	Name   string
	Value  int
	Worst  int
	Thresh int
	Raw    int64
}

// HealthCheck reads the full SMART report of a drive and fails it on
// a negative overall verdict or non-zero critical defect counters
type HealthCheck struct {
	e   command.CmdExecutor
	cfg Config
	log *logrus.Entry
}

// NewHealthCheck is a constructor for HealthCheck
func NewHealthCheck(e command.CmdExecutor, cfg Config, logger *logrus.Logger) *HealthCheck {
	return &HealthCheck{e: e, cfg: cfg, log: logger.WithField("component", "HealthCheck")}
}

// Name returns the canonical procedure name
func (h *HealthCheck) Name() string { return "health_check" }

// Run collects and analyzes the SMART report of device
func (h *HealthCheck) Run(ctx context.Context, device string, params Params, r Reporter) error {
	ll := h.log.WithField("method", "Run").WithField("device", device)

	r.Step("collecting SMART report", 10)
	stdout, _, err := h.e.RunCmd(fmt.Sprintf(SmartctlAllCmdTmpl, device),
		command.UseMetrics(true),
		command.CmdName(strings.TrimSpace(fmt.Sprintf(SmartctlAllCmdTmpl, ""))))
	if err != nil {
		return classifyToolError("smartctl", device, err)
	}

	r.Step("analyzing attributes", 60)
	failures := make([]string, 0)
	warnings := make([]string, 0)
	attributes := make([]string, 0)

	status, passed, hasVerdict := overallVerdict(stdout)
	if hasVerdict {
		r.Result("health_status", status)
		if !passed {
			failures = append(failures, fmt.Sprintf("overall health verdict %s", status))
		}
	}

	for _, attr := range parseAttributeTable(stdout) {
		attributes = append(attributes, fmt.Sprintf("%s=%d", attr.Name, attr.Raw))
		if key, ok := recordedAttributes[attr.Name]; ok {
			r.Result(key, strconv.FormatInt(attr.Raw, 10))
		}
		if criticalAttributes[attr.Name] && attr.Raw > 0 {
			failures = append(failures, fmt.Sprintf("%s=%d", attr.Name, attr.Raw))
		}
		if attr.Name == "Temperature_Celsius" && h.cfg.TemperatureWarnThreshold > 0 &&
			attr.Raw > int64(h.cfg.TemperatureWarnThreshold) {
			ll.Warnf("temperature %d exceeds threshold %d", attr.Raw, h.cfg.TemperatureWarnThreshold)
			warnings = append(warnings, fmt.Sprintf("temperature %d above threshold %d",
				attr.Raw, h.cfg.TemperatureWarnThreshold))
		}
	}

	r.Result("smart_attributes", strings.Join(attributes, ","))
	r.Result("failures", strings.Join(failures, "; "))
	r.Result("warnings", strings.Join(warnings, "; "))

	r.Step("done", 100)
	if len(failures) > 0 {
		return fmt.Errorf("drive failed health check: %s", strings.Join(failures, ", "))
	}
	return nil
}

// overallVerdict extracts the overall SMART health verdict from a full report.
// ATA drives report "test result: PASSED", SCSI drives "SMART Health Status: OK"
// Returns the verdict token, whether the drive passed and whether any verdict
// line was present at all
func overallVerdict(report string) (string, bool, bool) {
	for _, line := range strings.Split(report, "\n") {
		if strings.Contains(line, "overall-health self-assessment test result:") {
			status := verdictToken(line)
			return status, strings.Contains(status, "PASSED"), true
		}
		if strings.Contains(line, "SMART Health Status:") {
			status := verdictToken(line)
			return status, strings.Contains(status, "OK"), true
		}
	}
	return "", false, false
}

// verdictToken returns the part of a verdict line after the last colon
func verdictToken(line string) string {
	idx := strings.LastIndex(line, ":")
	return strings.TrimSpace(line[idx+1:])
}

// parseAttributeTable extracts rows of the vendor specific SMART attribute table.
/* Example row:
ID# ATTRIBUTE_NAME          FLAG     VALUE WORST THRESH TYPE      UPDATED  WHEN_FAILED RAW_VALUE
  5 Reallocated_Sector_Ct   0x0033   100   100   010    Pre-fail  Always       -       0
*/
func parseAttributeTable(report string) []smartAttribute {
	attributes := make([]smartAttribute, 0)
	for _, line := range strings.Split(report, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 10 {
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		value, err := strconv.Atoi(fields[3])
		if err != nil {
			continue
		}
		worst, err := strconv.Atoi(fields[4])
		if err != nil {
			continue
		}
		thresh, err := strconv.Atoi(fields[5])
		if err != nil {
			continue
		}
		attributes = append(attributes, smartAttribute{
			ID:     id,
			Name:   fields[1],
			Value:  value,
			Worst:  worst,
			Thresh: thresh,
			Raw:    parseRawValue(fields[9]),
		})
	}
	return attributes
}

// parseRawValue reads the numeric prefix of a raw SMART value,
// tolerating vendor suffixes like "31 (Min/Max 23/42)"
func parseRawValue(raw string) int64 {
	end := 0
	for end < len(raw) && raw[end] >= '0' && raw[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	value, err := strconv.ParseInt(raw[:end], 10, 64)
	if err != nil {
		return 0
	}
	return value
}

// SelfTestMode describes one variant of the drive internal self-test
type SelfTestMode struct {
	// name is the procedure name the variant registers under
	name string
	// mode is the argument smartctl expects after --test
	mode string
	// budget bounds the whole test, poll is the log re-read interval
	budget time.Duration
	poll   time.Duration
}

var (
	// SelfTestShort is the few-minute electrical and read sanity test
	SelfTestShort = SelfTestMode{name: "smart_short", mode: "short", budget: 5 * time.Minute, poll: 10 * time.Second}
	// SelfTestExtended is the full surface read test, hours on large drives
	SelfTestExtended = SelfTestMode{name: "smart_extended", mode: "long", budget: 150 * time.Minute, poll: 30 * time.Second}
	// SelfTestConveyance detects transport damage on drives that support it
	SelfTestConveyance = SelfTestMode{name: "smart_conveyance", mode: "conveyance", budget: 10 * time.Minute, poll: 15 * time.Second}
)

// selftest log verdicts
type selftestState int

const (
	selftestRunning selftestState = iota
	selftestPassed
	selftestFailed
)

// SelfTest starts a drive internal self-test and polls its log until the verdict
type SelfTest struct {
	e    command.CmdExecutor
	log  *logrus.Entry
	mode SelfTestMode
}

// NewSelfTest is a constructor for SelfTest with a given mode
func NewSelfTest(e command.CmdExecutor, logger *logrus.Logger, mode SelfTestMode) *SelfTest {
	return &SelfTest{e: e, log: logger.WithField("component", "SelfTest"), mode: mode}
}

// Name returns the canonical procedure name of the self-test variant
func (s *SelfTest) Name() string { return s.mode.name }

// Run starts the self-test and polls the drive log until completion, failure,
// budget exhaustion or ctx cancellation. The drive does not report progress for
// all modes, so percent is ramped against the mode budget
func (s *SelfTest) Run(ctx context.Context, device string, params Params, r Reporter) error {
	ll := s.log.WithField("method", "Run").WithField("device", device)

	if _, _, err := s.e.RunCmd(fmt.Sprintf(SmartctlTestCmdTmpl, s.mode.mode, device),
		command.UseMetrics(true),
		command.CmdName("smartctl --test")); err != nil {
		return classifyToolError(fmt.Sprintf("smartctl --test %s", s.mode.mode), device, err)
	}
	started := time.Now()
	r.Step("self-test started", 5)

	ticker := time.NewTicker(s.mode.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		stdout, _, err := s.e.RunCmd(fmt.Sprintf(SmartctlSelftestLogCmdTmpl, device))
		if err != nil {
			ll.Warnf("unable to read self-test log: %v", err)
		} else {
			switch parseSelftestLog(stdout) {
			case selftestPassed:
				r.Step("completed", 100)
				return nil
			case selftestFailed:
				return fmt.Errorf("self-test failed on %s: %s", device, latestLogEntry(stdout))
			}
		}

		elapsed := time.Since(started)
		if elapsed > s.mode.budget {
			return fmt.Errorf("self-test on %s exceeded %s: %w", device, s.mode.budget, errTypes.ErrorTimeout)
		}
		percent := 5 + 90*float64(elapsed)/float64(s.mode.budget)
		r.Step("self-test in progress", percent)
	}
}

// parseSelftestLog inspects the most recent self-test log entry.
/* Example log:
Num  Test_Description    Status                  Remaining  LifeTime(hours)  LBA_of_first_error
# 1  Short offline       Self-test routine in progress 90%      8923         -
# 2  Extended offline    Completed without error       00%      8901         -
*/
func parseSelftestLog(stdout string) selftestState {
	entry := latestLogEntry(stdout)
	switch {
	case entry == "" || strings.Contains(entry, "in progress"):
		return selftestRunning
	case strings.Contains(entry, "Completed without error"):
		return selftestPassed
	default:
		return selftestFailed
	}
}

// latestLogEntry returns the "# 1" row of the self-test log, "" when the log is empty
func latestLogEntry(stdout string) string {
	for _, line := range strings.Split(stdout, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "# 1") {
			return line
		}
	}
	return ""
}
