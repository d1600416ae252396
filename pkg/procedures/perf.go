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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/jbod-tools/drivetest/pkg/base/command"
	errTypes "github.com/jbod-tools/drivetest/pkg/base/error"
)

const (
	// DDReadCmdTmpl is a CMD for a sequential direct read benchmark, args are device and MiB count
	DDReadCmdTmpl = "dd if=%s of=/dev/null bs=1M count=%d iflag=direct"
	// DDWriteCmdTmpl is a CMD for a sequential direct write benchmark into a scratch file,
	// args are scratch path and MiB count
	DDWriteCmdTmpl = "dd if=/dev/zero of=%s bs=1M count=%d oflag=direct conv=fsync"
	// RemoveScratchCmdTmpl is a CMD to drop the scratch file of the write benchmark
	RemoveScratchCmdTmpl = "rm -f %s"
	// FioVersionCmdImpl is a CMD to probe fio availability
	FioVersionCmdImpl = "fio --version"
	// FioRandReadCmdTmpl is a CMD for a random read benchmark, args are device and runtime seconds
	FioRandReadCmdTmpl = "fio --name=randread --filename=%s --direct=1 --rw=randread --bs=4k " +
		"--iodepth=16 --numjobs=1 --runtime=%d --time_based --readonly --output-format=json"

	// defaultPerfSizeMiB is how much data the dd benchmarks move by default
	defaultPerfSizeMiB = 1024
	// defaultFioRuntimeSec is the default fio run length
	defaultFioRuntimeSec = 30
)

// throughputRegexp matches the summary dd prints on stderr, e.g. "215 MB/s"
var throughputRegexp = regexp.MustCompile(`(\d+\.?\d*)\s*(MB/s|GB/s)`)

// SeqPerf measures sequential throughput of a device with dd, a direct read
// off the device head followed by a direct write into a scratch file.
// The write phase never touches the device node itself and is best effort,
// a drive without a writable filesystem still gets its read figure
type SeqPerf struct {
	e   command.CmdExecutor
	log *logrus.Entry
}

// NewSeqPerf is a constructor for SeqPerf
func NewSeqPerf(e command.CmdExecutor, logger *logrus.Logger) *SeqPerf {
	return &SeqPerf{e: e, log: logger.WithField("component", "SeqPerf")}
}

// Name returns the canonical procedure name
func (p *SeqPerf) Name() string { return "performance_seq" }

// Run moves params.size_mib of data in both directions and records the
// throughput of each phase. params.scratch overrides the write file location
func (p *SeqPerf) Run(ctx context.Context, device string, params Params, r Reporter) error {
	ll := p.log.WithField("method", "Run").WithField("device", device)
	size := params.Int("size_mib", defaultPerfSizeMiB)

	r.Step("sequential read", 10)
	_, stderr, err := p.e.RunCmd(fmt.Sprintf(DDReadCmdTmpl, device, size),
		command.UseMetrics(true), command.CmdName("dd read"))
	if err != nil {
		return classifyToolError("dd read", device, err)
	}
	throughput, err := parseThroughput(stderr)
	if err != nil {
		return fmt.Errorf("dd read on %s: %w", device, err)
	}
	r.Result("read_mb_per_sec", strconv.FormatFloat(throughput, 'f', 1, 64))

	r.Step("sequential write", 60)
	scratch := params.String("scratch", defaultScratchPath())
	_, stderr, err = p.e.RunCmd(fmt.Sprintf(DDWriteCmdTmpl, scratch, size),
		command.UseMetrics(true), command.CmdName("dd write"))
	if _, _, rmErr := p.e.RunCmd(fmt.Sprintf(RemoveScratchCmdTmpl, scratch)); rmErr != nil {
		ll.Warnf("unable to remove scratch file %s: %v", scratch, rmErr)
	}
	if err != nil {
		ll.Warnf("sequential write phase skipped: %v", err)
	} else if throughput, err = parseThroughput(stderr); err != nil {
		ll.Warnf("sequential write phase produced no throughput: %v", err)
	} else {
		r.Result("write_mb_per_sec", strconv.FormatFloat(throughput, 'f', 1, 64))
	}

	r.Step("completed", 100)
	return nil
}

// defaultScratchPath builds a per-process scratch file name under the temp dir
func defaultScratchPath() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("drivetest_seq_%d.tmp", os.Getpid()))
}

// parseThroughput extracts MB/s from the dd summary on stderr.
/* Example output:
1024+0 records in
1024+0 records out
1073741824 bytes (1.1 GB, 1.0 GiB) copied, 4.99038 s, 215 MB/s
*/
func parseThroughput(stderr string) (float64, error) {
	m := throughputRegexp.FindStringSubmatch(stderr)
	if m == nil {
		return 0, fmt.Errorf("no throughput in dd output: %w", errTypes.ErrorFailedParsing)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("bad throughput value %q: %w", m[1], errTypes.ErrorFailedParsing)
	}
	if m[2] == "GB/s" {
		value *= 1000
	}
	return value, nil
}

// fioJobs mirrors the part of fio json output the benchmark consumes
type fioJobs struct {
	Jobs []struct {
		Read struct {
			IOPS float64 `json:"iops"`
			BW   int64   `json:"bw"`
		} `json:"read"`
	} `json:"jobs"`
}

// RandPerf measures random read IOPS with fio. fio is an optional dependency,
// the procedure reports itself skipped when the tool is not installed
type RandPerf struct {
	e   command.CmdExecutor
	log *logrus.Entry
}

// NewRandPerf is a constructor for RandPerf
func NewRandPerf(e command.CmdExecutor, logger *logrus.Logger) *RandPerf {
	return &RandPerf{e: e, log: logger.WithField("component", "RandPerf")}
}

// Name returns the canonical procedure name
func (p *RandPerf) Name() string { return "performance_random" }

// Run benchmarks random reads for params.runtime_sec seconds and records IOPS and bandwidth
func (p *RandPerf) Run(ctx context.Context, device string, params Params, r Reporter) error {
	ll := p.log.WithField("method", "Run").WithField("device", device)

	if _, _, err := p.e.RunCmd(FioVersionCmdImpl); err != nil {
		ll.Infof("fio is not available, skipping: %v", err)
		r.Result("skipped", "fio is not installed")
		r.Step("skipped", 100)
		return nil
	}

	r.Step("random read", 10)
	cmd := fmt.Sprintf(FioRandReadCmdTmpl, device, params.Int("runtime_sec", defaultFioRuntimeSec))
	stdout, _, err := p.e.RunCmd(cmd, command.UseMetrics(true), command.CmdName("fio randread"))
	if err != nil {
		return classifyToolError("fio", device, err)
	}

	var out fioJobs
	if err := json.Unmarshal([]byte(stdout), &out); err != nil || len(out.Jobs) == 0 {
		return fmt.Errorf("unable to parse fio output for %s: %w", device, errTypes.ErrorFailedParsing)
	}
	r.Result("randread_iops", strconv.FormatFloat(out.Jobs[0].Read.IOPS, 'f', 0, 64))
	// fio reports bandwidth in KiB/s
	r.Result("randread_kib_per_sec", strconv.FormatInt(out.Jobs[0].Read.BW, 10))
	r.Step("completed", 100)
	return nil
}
