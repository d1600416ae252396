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

// Package inventory discovers testable drives and maps them to physical bays
package inventory

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jbod-tools/drivetest/pkg/base/config"
)

const (
	// diskDeviceType is the lsblk device type that inventory accepts
	diskDeviceType = "disk"
	// BayUnknown is the bay number of a drive whose SCSI address could not be determined
	BayUnknown = -1
)

// SCSIAddress is the decomposed host:channel:target:lun address of a drive
type SCSIAddress struct {
	Host    int
	Channel int
	Target  int
	Lun     int
}

// ParseSCSIAddress parses "H:C:T:L" form used by lsblk HCTL column and sysfs dir names
func ParseSCSIAddress(s string) (*SCSIAddress, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 4 {
		return nil, fmt.Errorf("malformed SCSI address %q", s)
	}
	values := make([]int, 4)
	for i, part := range parts {
		value, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("malformed SCSI address %q: %v", s, err)
		}
		values[i] = value
	}
	return &SCSIAddress{Host: values[0], Channel: values[1], Target: values[2], Lun: values[3]}, nil
}

// Bay returns the bay number for the address under the given mapping policy
func (a *SCSIAddress) Bay(policy string) int {
	switch policy {
	case config.BayPolicyHost:
		return a.Host
	case config.BayPolicyChannel:
		return a.Channel
	case config.BayPolicyLun:
		return a.Lun
	default:
		return a.Target
	}
}

func (a *SCSIAddress) String() string {
	return fmt.Sprintf("%d:%d:%d:%d", a.Host, a.Channel, a.Target, a.Lun)
}

// DeviceIdentity is everything inventory knows about one testable drive
type DeviceIdentity struct {
	// Path is the kernel device node, e.g. /dev/sdb. May change between boots
	Path string
	// StablePath is the by-path alias tied to the physical port, "" when absent
	StablePath   string
	Name         string
	SerialNumber string
	Model        string
	ModelFamily  string
	Firmware     string
	Vendor       string
	WWN          string
	SizeBytes    int64
	Rotational   bool
	// Interface is the transport label, e.g. SATA3, SAS, NVMe
	Interface string
	// SCSIAddress is nil for devices outside the SCSI subsystem
	SCSIAddress *SCSIAddress
	// Bay is BayUnknown when no SCSI address is available
	Bay int
}

// DriveSource yields candidate device paths and vetoes the OS drive.
// Satisfied by osdrive.Detector
type DriveSource interface {
	EnumerateNonOSDrives() ([]string, error)
	IsOSDrive(devicePath string) bool
}

// Inventory is the result of one scan: every testable drive with lookup
// indexes by bay number and by device path
type Inventory struct {
	devices []DeviceIdentity
	byBay   map[int]DeviceIdentity
	byPath  map[string]DeviceIdentity
}

func newInventory() *Inventory {
	return &Inventory{
		devices: make([]DeviceIdentity, 0),
		byBay:   make(map[int]DeviceIdentity),
		byPath:  make(map[string]DeviceIdentity),
	}
}

func (inv *Inventory) add(d DeviceIdentity) {
	inv.devices = append(inv.devices, d)
	inv.byPath[d.Path] = d
	if d.Bay == BayUnknown {
		return
	}
	// the first drive claiming a bay wins, a duplicate indicates a
	// misconfigured bay policy and is logged by the scanner
	if _, taken := inv.byBay[d.Bay]; !taken {
		inv.byBay[d.Bay] = d
	}
}

// Devices returns all discovered drives in enumeration order
func (inv *Inventory) Devices() []DeviceIdentity {
	return inv.devices
}

// BayMapping returns a copy of the bay number to drive mapping.
// Drives without a resolvable SCSI address are absent from it
func (inv *Inventory) BayMapping() map[int]DeviceIdentity {
	mapping := make(map[int]DeviceIdentity, len(inv.byBay))
	for bay, d := range inv.byBay {
		mapping[bay] = d
	}
	return mapping
}

// DriveByBay looks up the drive occupying the given bay
func (inv *Inventory) DriveByBay(bay int) (DeviceIdentity, bool) {
	d, ok := inv.byBay[bay]
	return d, ok
}

// DriveByPath looks up a drive by its kernel device node path
func (inv *Inventory) DriveByPath(path string) (DeviceIdentity, bool) {
	d, ok := inv.byPath[path]
	return d, ok
}

// Scanner builds drive inventory from lsblk, smartctl and sysfs
type Scanner struct {
	lsblk  WrapLsblk
	smart  WrapSmartInfo
	source DriveSource
	log    *logrus.Entry
	// fsRoot is prepended to sysfs and /dev/disk paths, "" in production
	fsRoot string
}

// NewScanner is a constructor for Scanner
func NewScanner(lsblk WrapLsblk, smart WrapSmartInfo, source DriveSource, logger *logrus.Logger) *Scanner {
	return &Scanner{
		lsblk:  lsblk,
		smart:  smart,
		source: source,
		log:    logger.WithField("component", "InventoryScanner"),
	}
}

// Scan discovers all testable drives and their bay numbers.
// Candidates come from the OS drive detector, which already dropped the OS
// drive and unrecognized device families; each one is re-verified here since
// mount state may have changed between enumeration and collection.
// A failure on one device never aborts the scan, the device is reported with
// whatever identity fields were collected
// Returns Inventory or error when device enumeration itself failed
func (s *Scanner) Scan(bayPolicy string) (*Inventory, error) {
	ll := s.log.WithField("method", "Scan")

	paths, err := s.source.EnumerateNonOSDrives()
	if err != nil {
		return nil, fmt.Errorf("unable to enumerate devices: %v", err)
	}

	inv := newInventory()
	for _, path := range paths {
		if s.source.IsOSDrive(path) {
			ll.Infof("%s is the OS drive, excluded from inventory", path)
			continue
		}
		bd := BlockDevice{Name: path}
		if listed, err := s.lsblk.GetBlockDevices(path); err != nil {
			ll.Warnf("lsblk failed for %s: %v", path, err)
		} else if len(listed) > 0 {
			bd = listed[0]
		}
		if bd.Type != "" && bd.Type != diskDeviceType {
			continue
		}
		identity := s.collectIdentity(bd, bayPolicy)
		if _, taken := inv.DriveByBay(identity.Bay); taken && identity.Bay != BayUnknown {
			ll.Warnf("bay %d is already claimed, %s will not appear in the bay mapping, check the bay policy",
				identity.Bay, identity.Path)
		}
		inv.add(identity)
	}
	return inv, nil
}

// collectIdentity merges lsblk, smartctl and sysfs views of a single device
func (s *Scanner) collectIdentity(bd BlockDevice, bayPolicy string) DeviceIdentity {
	ll := s.log.WithField("method", "collectIdentity").WithField("device", bd.Name)

	identity := DeviceIdentity{
		Path:         bd.Name,
		Name:         filepath.Base(bd.Name),
		SerialNumber: strings.TrimSpace(bd.Serial),
		Model:        strings.TrimSpace(bd.Model),
		Vendor:       strings.TrimSpace(bd.Vendor),
		Firmware:     strings.TrimSpace(bd.Rev),
		WWN:          bd.WWN,
		SizeBytes:    bd.Size,
		Rotational:   bd.Rota,
		Interface:    strings.ToUpper(bd.Transport),
		Bay:          BayUnknown,
	}

	if smartIdentity, err := s.smart.GetDriveIdentity(bd.Name); err != nil {
		ll.Warnf("smartctl identity unavailable: %v", err)
	} else {
		if smartIdentity.SerialNumber != "" {
			identity.SerialNumber = smartIdentity.SerialNumber
		}
		if smartIdentity.Model != "" {
			identity.Model = smartIdentity.Model
		}
		if smartIdentity.Firmware != "" {
			identity.Firmware = smartIdentity.Firmware
		}
		identity.ModelFamily = smartIdentity.ModelFamily
		if smartIdentity.Interface != "" {
			identity.Interface = smartIdentity.Interface
		}
	}

	address, err := s.scsiAddress(bd)
	if err != nil {
		ll.Warnf("no SCSI address: %v", err)
	} else {
		identity.SCSIAddress = address
		identity.Bay = address.Bay(bayPolicy)
	}

	if stable, err := s.stablePath(identity.Name); err != nil {
		ll.Debugf("no stable path: %v", err)
	} else {
		identity.StablePath = stable
	}

	return identity
}

// scsiAddress reads the SCSI address from lsblk HCTL column with a fallback
// to the sysfs scsi_device directory of the drive
func (s *Scanner) scsiAddress(bd BlockDevice) (*SCSIAddress, error) {
	if bd.HCTL != "" {
		return ParseSCSIAddress(bd.HCTL)
	}

	// /sys/block/sdX/device/scsi_device holds a single dir named H:C:T:L
	scsiDir := filepath.Join(s.path("/sys/block"), filepath.Base(bd.Name), "device", "scsi_device")
	entries, err := ioutil.ReadDir(scsiDir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if address, err := ParseSCSIAddress(entry.Name()); err == nil {
			return address, nil
		}
	}
	return nil, fmt.Errorf("no SCSI address under %s", scsiDir)
}

// stablePath finds the /dev/disk/by-path alias of a whole device, skipping partition aliases
func (s *Scanner) stablePath(name string) (string, error) {
	byPathDir := s.path("/dev/disk/by-path")
	entries, err := ioutil.ReadDir(byPathDir)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), "-part") {
			continue
		}
		resolved, err := filepath.EvalSymlinks(filepath.Join(byPathDir, entry.Name()))
		if err != nil {
			continue
		}
		if filepath.Base(resolved) == name {
			return "/dev/disk/by-path/" + entry.Name(), nil
		}
	}
	return "", fmt.Errorf("no by-path alias for %s", name)
}

func (s *Scanner) path(p string) string {
	if s.fsRoot == "" {
		return p
	}
	return filepath.Join(s.fsRoot, p)
}
