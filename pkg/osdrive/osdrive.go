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

// Package osdrive identifies the block device that hosts the running system.
// Every destructive operation of the engine goes through this check first, so
// detection ambiguity always resolves to rejection, never to pass-through.
package osdrive

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jbod-tools/drivetest/pkg/base/command"
)

const (
	// BootDeviceCmdImpl is a CMD to get the device backing the boot directory
	BootDeviceCmdImpl = "df /boot"
	// RootMountCmdImpl is a CMD to find the device mounted at root in the block device tree
	RootMountCmdImpl = "lsblk --list --noheadings --output NAME,MOUNTPOINT"
	// ListDevicesCmdImpl is a CMD to list names of all top level block devices
	ListDevicesCmdImpl = "lsblk --nodeps --list --noheadings --output NAME"

	cmdTimeout = 5 * time.Second
)

// Confidence represents reliability of OS drive detection result
type Confidence string

const (
	// ConfidenceIdentified means the OS drive was conclusively identified
	ConfidenceIdentified Confidence = "identified"
	// ConfidenceUnknown means no strategy produced a usable device.
	// Callers must treat every device as the OS drive in that case
	ConfidenceUnknown Confidence = "unknown"
)

// OSDriveRecord is the result of one OS drive detection pass.
// It is recomputed on every safety check and never cached
type OSDriveRecord struct {
	Name       string
	Path       string
	Confidence Confidence
}

var (
	nvmePartSuffixRegexp = regexp.MustCompile(`p\d+$`)
	partSuffixRegexp     = regexp.MustCompile(`\d+$`)
)

// recognizedPrefixes are block device name families the engine is allowed to touch
var recognizedPrefixes = []string{"sd", "nvme", "hd"}

// Detector identifies the OS drive with a chain of independent strategies
type Detector struct {
	e   command.CmdExecutor
	log *logrus.Entry
	// fsRoot is prepended to absolute paths of system files, "" in production.
	// Allows tests to supply their own /proc, /etc, /dev and /sys trees
	fsRoot string
}

// NewDetector is a constructor for Detector
func NewDetector(e command.CmdExecutor, logger *logrus.Logger) *Detector {
	return &Detector{
		e:   e,
		log: logger.WithField("component", "OSDriveDetector"),
	}
}

// Identify detects the OS drive applying each strategy in fixed priority order
// and returns the first normalizable, existing device.
// Returns record with ConfidenceUnknown when every strategy fails
func (d *Detector) Identify() OSDriveRecord {
	ll := d.log.WithField("method", "Identify")

	strategies := []struct {
		name string
		fn   func() (string, error)
	}{
		{"procMounts", d.rootDeviceFromProcMounts},
		{"fstab", d.rootDeviceFromFstab},
		{"bootDevice", d.bootDevice},
		{"lsblk", d.rootDeviceFromLsblk},
	}

	for _, strategy := range strategies {
		raw, err := strategy.fn()
		if err != nil {
			ll.Debugf("strategy %s failed: %v", strategy.name, err)
			continue
		}
		if name, path, ok := d.normalizeDevice(raw); ok {
			return OSDriveRecord{Name: name, Path: path, Confidence: ConfidenceIdentified}
		}
		ll.Debugf("strategy %s produced unusable device %q", strategy.name, raw)
	}

	ll.Warn("unable to identify OS drive, every device will be treated as the OS drive")
	return OSDriveRecord{Confidence: ConfidenceUnknown}
}

// IsOSDrive checks whether provided device path belongs to the OS drive.
// The OS drive identity is recomputed on every call to avoid stale mount state.
// Returns true unconditionally when the OS drive is unknown
func (d *Detector) IsOSDrive(devicePath string) bool {
	record := d.Identify()
	if record.Confidence == ConfidenceUnknown {
		return true
	}

	name, _, ok := d.normalizeDevice(devicePath)
	if !ok {
		return false
	}
	// normalized names have partition suffixes stripped, so the OS drive
	// and all of its partitions compare equal here
	return name == record.Name
}

// EnumerateNonOSDrives lists paths of all block devices with recognized name
// prefixes excluding the identified OS drive
// Returns sorted slice of device paths or error when device listing failed
func (d *Detector) EnumerateNonOSDrives() ([]string, error) {
	record := d.Identify()

	stdout, _, err := d.e.RunCmd(ListDevicesCmdImpl,
		command.WithTimeout(cmdTimeout),
		command.UseMetrics(true),
		command.CmdName(ListDevicesCmdImpl))
	if err != nil {
		return nil, fmt.Errorf("unable to list block devices: %v", err)
	}

	drives := make([]string, 0)
	for _, line := range strings.Split(stdout, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || name == record.Name {
			continue
		}
		if !hasRecognizedPrefix(name) {
			continue
		}
		if _, err := os.Stat(d.path("/dev/" + name)); err != nil {
			continue
		}
		drives = append(drives, "/dev/"+name)
	}
	sort.Strings(drives)
	return drives, nil
}

// rootDeviceFromProcMounts returns the device of the live mount table entry for root
func (d *Detector) rootDeviceFromProcMounts() (string, error) {
	data, err := ioutil.ReadFile(d.path("/proc/mounts"))
	if err != nil {
		return "", err
	}
	return rootEntry(string(data), false)
}

// rootDeviceFromFstab returns the device of the static filesystem table entry for root
func (d *Detector) rootDeviceFromFstab() (string, error) {
	data, err := ioutil.ReadFile(d.path("/etc/fstab"))
	if err != nil {
		return "", err
	}
	return rootEntry(string(data), true)
}

// bootDevice returns the device backing the boot directory
func (d *Detector) bootDevice() (string, error) {
	stdout, _, err := d.e.RunCmd(BootDeviceCmdImpl,
		command.WithTimeout(cmdTimeout),
		command.UseMetrics(true),
		command.CmdName(BootDeviceCmdImpl))
	if err != nil {
		return "", err
	}
	/* Example output:
	Filesystem     1K-blocks    Used Available Use% Mounted on
	/dev/sda2         498980  197232    276364  42% /boot
	*/
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) < 2 {
		return "", fmt.Errorf("unexpected df output %q", stdout)
	}
	fields := strings.Fields(lines[1])
	if len(fields) == 0 {
		return "", fmt.Errorf("unexpected df output %q", stdout)
	}
	return fields[0], nil
}

// rootDeviceFromLsblk returns the device mounted at root according to lsblk
func (d *Detector) rootDeviceFromLsblk() (string, error) {
	stdout, _, err := d.e.RunCmd(RootMountCmdImpl,
		command.WithTimeout(cmdTimeout),
		command.UseMetrics(true),
		command.CmdName(RootMountCmdImpl))
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == "/" {
			return "/dev/" + fields[0], nil
		}
	}
	return "", fmt.Errorf("no root mount in lsblk output")
}

// rootEntry finds the device column of the row mounted at "/" in fstab-like content
func rootEntry(content string, skipComments bool) (string, error) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if skipComments && strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == "/" {
			return fields[0], nil
		}
	}
	return "", fmt.Errorf("no root entry found")
}

// normalizeDevice brings a raw device token to the canonical (name, path) form:
// symbolic UUID/LABEL aliases are resolved, partition suffix is stripped and
// only recognized block device families with an existing node are accepted
func (d *Detector) normalizeDevice(raw string) (string, string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", false
	}

	if value := strings.TrimPrefix(raw, "UUID="); value != raw {
		raw = "/dev/disk/by-uuid/" + value
	} else if value := strings.TrimPrefix(raw, "LABEL="); value != raw {
		raw = "/dev/disk/by-label/" + value
	}

	if strings.Contains(raw, "/dev/disk/by-") {
		if resolved, err := filepath.EvalSymlinks(d.path(raw)); err == nil {
			raw = resolved
		}
	}

	name := stripPartitionSuffix(filepath.Base(raw))
	if !hasRecognizedPrefix(name) {
		return "", "", false
	}
	if _, err := os.Stat(d.path("/dev/" + name)); err != nil {
		return "", "", false
	}
	return name, "/dev/" + name, true
}

// stripPartitionSuffix converts a partition name to its parent device name,
// e.g. sdb1 -> sdb, nvme0n1p2 -> nvme0n1
func stripPartitionSuffix(name string) string {
	if strings.HasPrefix(name, "nvme") {
		return nvmePartSuffixRegexp.ReplaceAllString(name, "")
	}
	return partSuffixRegexp.ReplaceAllString(name, "")
}

func hasRecognizedPrefix(name string) bool {
	for _, prefix := range recognizedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (d *Detector) path(p string) string {
	if d.fsRoot == "" {
		return p
	}
	return filepath.Join(d.fsRoot, p)
}
