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
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jbod-tools/drivetest/pkg/base/command"
	errTypes "github.com/jbod-tools/drivetest/pkg/base/error"
)

const (
	// BlockdevBszCmdTmpl is a CMD to read the current block size of a device
	BlockdevBszCmdTmpl = "blockdev --getbsz %s"
	// UmountCmdTmpl is a CMD to unmount a device before formatting
	UmountCmdTmpl = "umount %s"
	// MkfsCmdTmpl is a CMD to build a filesystem, args are fs type and device
	MkfsCmdTmpl = "mkfs -t %s %s"
	// MkfsBlockSizeCmdTmpl is MkfsCmdTmpl with an explicit block size
	MkfsBlockSizeCmdTmpl = "mkfs -t %s -b %d %s"

	// defaultFSType is the filesystem built when params carry no fs type
	defaultFSType = "ext4"
)

// Format rebuilds a filesystem on the device, destroying all data on it.
// It reports the block size before and after formatting
type Format struct {
	e   command.CmdExecutor
	log *logrus.Entry
}

// NewFormat is a constructor for Format
func NewFormat(e command.CmdExecutor, logger *logrus.Logger) *Format {
	return &Format{e: e, log: logger.WithField("component", "Format")}
}

// Name returns the canonical procedure name
func (f *Format) Name() string { return "format" }

// Run unmounts device best-effort and builds a params.fs filesystem on it,
// with params.block_size when provided
func (f *Format) Run(ctx context.Context, device string, params Params, r Reporter) error {
	ll := f.log.WithField("method", "Run").WithField("device", device)

	r.Step("reading block size", 5)
	if size, err := f.blockSize(device); err != nil {
		ll.Warnf("unable to read block size: %v", err)
	} else {
		r.Result("old_block_size", size)
	}

	// stale mounts would make mkfs refuse the device, a failed umount just
	// means there was nothing mounted
	r.Step("unmounting", 15)
	if _, _, err := f.e.RunCmd(fmt.Sprintf(UmountCmdTmpl, device)); err != nil {
		ll.Debugf("umount: %v", err)
	}

	fsType := params.String("fs", defaultFSType)
	cmd := fmt.Sprintf(MkfsCmdTmpl, fsType, device)
	if blockSize := params.Int("block_size", 0); blockSize > 0 {
		cmd = fmt.Sprintf(MkfsBlockSizeCmdTmpl, fsType, blockSize, device)
	}

	r.Step("formatting", 30)
	if _, stderr, err := f.e.RunCmd(cmd, command.UseMetrics(true), command.CmdName("mkfs")); err != nil {
		r.Result("success", "false")
		if errors.Is(err, errTypes.ErrorToolUnavailable) {
			return fmt.Errorf("mkfs on %s: %w", device, err)
		}
		return fmt.Errorf("mkfs %s failed on %s: %v: %s: %w", fsType, device, err,
			strings.TrimSpace(stderr), errTypes.ErrorToolFailure)
	}

	r.Step("verifying block size", 85)
	if size, err := f.blockSize(device); err != nil {
		ll.Warnf("unable to re-read block size: %v", err)
	} else {
		r.Result("new_block_size", size)
	}

	r.Result("fs", fsType)
	r.Result("success", "true")
	r.Step("completed", 100)
	return nil
}

// blockSize reads the current block size of device with blockdev
func (f *Format) blockSize(device string) (string, error) {
	stdout, _, err := f.e.RunCmd(fmt.Sprintf(BlockdevBszCmdTmpl, device),
		command.UseMetrics(true),
		command.CmdName(strings.TrimSpace(fmt.Sprintf(BlockdevBszCmdTmpl, ""))))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout), nil
}
