package inventory

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/jbod-tools/drivetest/pkg/base/config"
	"github.com/jbod-tools/drivetest/pkg/mocks"
)

var testLogger = logrus.New()

type fakeLsblk struct {
	devices map[string]BlockDevice
	err     error
}

func (f *fakeLsblk) GetBlockDevices(device string) ([]BlockDevice, error) {
	if f.err != nil {
		return nil, f.err
	}
	bd, ok := f.devices[device]
	if !ok {
		return nil, errors.New("no such device")
	}
	return []BlockDevice{bd}, nil
}

type fakeSmart struct {
	identities map[string]*SMARTIdentity
}

func (f *fakeSmart) GetDriveIdentity(path string) (*SMARTIdentity, error) {
	identity, ok := f.identities[path]
	if !ok {
		return nil, errors.New("smartctl open failed")
	}
	return identity, nil
}

type fakeSource struct {
	paths  []string
	err    error
	osPath string
}

func (f *fakeSource) EnumerateNonOSDrives() ([]string, error) {
	return f.paths, f.err
}

func (f *fakeSource) IsOSDrive(devicePath string) bool {
	return devicePath == f.osPath
}

func TestParseSCSIAddress(t *testing.T) {
	address, err := ParseSCSIAddress("2:0:5:1")
	assert.Nil(t, err)
	assert.Equal(t, &SCSIAddress{Host: 2, Channel: 0, Target: 5, Lun: 1}, address)
	assert.Equal(t, "2:0:5:1", address.String())

	for _, bad := range []string{"", "1:2:3", "a:b:c:d", "1:2:3:4:5"} {
		_, err := ParseSCSIAddress(bad)
		assert.NotNil(t, err, "expected error for %q", bad)
	}
}

func TestBayPolicies(t *testing.T) {
	address := &SCSIAddress{Host: 3, Channel: 1, Target: 5, Lun: 2}
	assert.Equal(t, 3, address.Bay(config.BayPolicyHost))
	assert.Equal(t, 1, address.Bay(config.BayPolicyChannel))
	assert.Equal(t, 5, address.Bay(config.BayPolicyTarget))
	assert.Equal(t, 2, address.Bay(config.BayPolicyLun))
	// unrecognized policy falls back to target
	assert.Equal(t, 5, address.Bay("bogus"))
}

func TestScanBuildsInventory(t *testing.T) {
	lsblk := &fakeLsblk{devices: map[string]BlockDevice{
		"/dev/sdb": {Name: "/dev/sdb", Type: "disk", HCTL: "2:0:5:0", Serial: "LSBLK-SN", Model: "LSBLK-MODEL", Size: 1000, Rota: true, Transport: "sata"},
		"/dev/sdc": {Name: "/dev/sdc", Type: "disk", HCTL: "2:0:7:0", Serial: "SN-C", Size: 2000},
		"/dev/sdd": {Name: "/dev/sdd", Type: "part", HCTL: "2:0:8:0"},
	}}
	smart := &fakeSmart{identities: map[string]*SMARTIdentity{
		// smartctl works only for sdb, sdc keeps its lsblk view
		"/dev/sdb": {
			SerialNumber: "SMART-SN",
			Model:        "ST16000NM001G",
			ModelFamily:  "Seagate Exos X16",
			Firmware:     "SN03",
			Interface:    "SATA3",
		},
	}}
	source := &fakeSource{paths: []string{"/dev/sdb", "/dev/sdc", "/dev/sdd"}}
	s := NewScanner(lsblk, smart, source, testLogger)

	inv, err := s.Scan(config.BayPolicyTarget)
	assert.Nil(t, err)
	// the partition is dropped, the disks stay
	devices := inv.Devices()
	assert.Equal(t, 2, len(devices))

	sdb := devices[0]
	assert.Equal(t, "/dev/sdb", sdb.Path)
	assert.Equal(t, "sdb", sdb.Name)
	assert.Equal(t, "SMART-SN", sdb.SerialNumber)
	assert.Equal(t, "ST16000NM001G", sdb.Model)
	assert.Equal(t, "Seagate Exos X16", sdb.ModelFamily)
	assert.Equal(t, "SATA3", sdb.Interface)
	assert.Equal(t, int64(1000), sdb.SizeBytes)
	assert.True(t, sdb.Rotational)
	assert.Equal(t, 5, sdb.Bay)

	sdc := devices[1]
	assert.Equal(t, "SN-C", sdc.SerialNumber)
	assert.Equal(t, 7, sdc.Bay)

	byBay, ok := inv.DriveByBay(5)
	assert.True(t, ok)
	assert.Equal(t, "/dev/sdb", byBay.Path)
	_, ok = inv.DriveByBay(42)
	assert.False(t, ok)

	byPath, ok := inv.DriveByPath("/dev/sdc")
	assert.True(t, ok)
	assert.Equal(t, 7, byPath.Bay)

	mapping := inv.BayMapping()
	assert.Equal(t, 2, len(mapping))
	assert.Equal(t, "/dev/sdb", mapping[5].Path)
	assert.Equal(t, "/dev/sdc", mapping[7].Path)
}

func TestScanReverifiesOSDrive(t *testing.T) {
	// sda slipped through enumeration but the detector vetoes it on re-check
	lsblk := &fakeLsblk{devices: map[string]BlockDevice{
		"/dev/sdb": {Name: "/dev/sdb", Type: "disk", HCTL: "2:0:5:0"},
	}}
	source := &fakeSource{paths: []string{"/dev/sda", "/dev/sdb"}, osPath: "/dev/sda"}
	s := NewScanner(lsblk, &fakeSmart{}, source, testLogger)

	inv, err := s.Scan(config.BayPolicyTarget)
	assert.Nil(t, err)
	assert.Equal(t, 1, len(inv.Devices()))
	_, ok := inv.DriveByPath("/dev/sda")
	assert.False(t, ok)
}

func TestScanEnumerationFailure(t *testing.T) {
	source := &fakeSource{err: errors.New("lsblk is broken")}
	s := NewScanner(&fakeLsblk{}, &fakeSmart{}, source, testLogger)
	_, err := s.Scan(config.BayPolicyTarget)
	assert.NotNil(t, err)
}

func TestScanLsblkFailureKeepsDevice(t *testing.T) {
	// per-device lsblk failure must not drop the device from inventory
	lsblk := &fakeLsblk{err: errors.New("lsblk is broken")}
	source := &fakeSource{paths: []string{"/dev/sdb"}}
	s := NewScanner(lsblk, &fakeSmart{}, source, testLogger)

	inv, err := s.Scan(config.BayPolicyTarget)
	assert.Nil(t, err)
	devices := inv.Devices()
	assert.Equal(t, 1, len(devices))
	assert.Equal(t, "/dev/sdb", devices[0].Path)
	assert.Equal(t, BayUnknown, devices[0].Bay)
}

func TestScanDuplicateBayFirstClaimWins(t *testing.T) {
	lsblk := &fakeLsblk{devices: map[string]BlockDevice{
		"/dev/sdb": {Name: "/dev/sdb", Type: "disk", HCTL: "2:0:5:0"},
		"/dev/sdc": {Name: "/dev/sdc", Type: "disk", HCTL: "3:0:5:0"},
	}}
	source := &fakeSource{paths: []string{"/dev/sdb", "/dev/sdc"}}
	s := NewScanner(lsblk, &fakeSmart{}, source, testLogger)

	// target policy gives both drives bay 5
	inv, err := s.Scan(config.BayPolicyTarget)
	assert.Nil(t, err)
	assert.Equal(t, 2, len(inv.Devices()))
	occupant, ok := inv.DriveByBay(5)
	assert.True(t, ok)
	assert.Equal(t, "/dev/sdb", occupant.Path)
	assert.Equal(t, 1, len(inv.BayMapping()))
}

func TestSCSIAddressSysfsFallback(t *testing.T) {
	fsRoot := t.TempDir()
	scsiDir := filepath.Join(fsRoot, "sys", "block", "sdb", "device", "scsi_device", "2:0:9:0")
	assert.Nil(t, os.MkdirAll(scsiDir, 0755))

	s := NewScanner(&fakeLsblk{}, &fakeSmart{}, &fakeSource{}, testLogger)
	s.fsRoot = fsRoot

	address, err := s.scsiAddress(BlockDevice{Name: "/dev/sdb"})
	assert.Nil(t, err)
	assert.Equal(t, 9, address.Target)
}

func TestStablePathSkipsPartitions(t *testing.T) {
	fsRoot := t.TempDir()
	byPath := filepath.Join(fsRoot, "dev", "disk", "by-path")
	assert.Nil(t, os.MkdirAll(byPath, 0755))
	assert.Nil(t, ioutil.WriteFile(filepath.Join(fsRoot, "dev", "sdb"), []byte{}, 0600))
	assert.Nil(t, os.Symlink("../../sdb", filepath.Join(byPath, "pci-0000:00:1f.2-ata-2")))
	assert.Nil(t, os.Symlink("../../sdb", filepath.Join(byPath, "pci-0000:00:1f.2-ata-2-part1")))

	s := NewScanner(&fakeLsblk{}, &fakeSmart{}, &fakeSource{}, testLogger)
	s.fsRoot = fsRoot

	stable, err := s.stablePath("sdb")
	assert.Nil(t, err)
	assert.Equal(t, "/dev/disk/by-path/pci-0000:00:1f.2-ata-2", stable)
}

func TestLsblkWrapper(t *testing.T) {
	output := `{"blockdevices": [
		{"name": "/dev/sda", "type": "disk", "size": 16000900661248, "rota": true,
		 "serial": "ZL2A0HKT", "vendor": "ATA     ", "model": "ST16000NM001G", "rev": "SN03",
		 "hctl": "2:0:0:0", "tran": "sata"},
		{"name": "/dev/sr0", "type": "rom", "size": 1073741312}
	]}`
	e := mocks.NewMockExecutor(map[string]mocks.CmdOut{
		fmt.Sprintf(LsblkCmdTmpl, ""): {Stdout: output},
	})
	l := NewLSBLK(e)

	devices, err := l.GetBlockDevices("")
	assert.Nil(t, err)
	// rom devices are dropped
	assert.Equal(t, 1, len(devices))
	assert.Equal(t, "/dev/sda", devices[0].Name)
	assert.Equal(t, "2:0:0:0", devices[0].HCTL)
	assert.True(t, devices[0].Rota)
}

func TestLsblkWrapperBadOutput(t *testing.T) {
	e := mocks.NewMockExecutor(map[string]mocks.CmdOut{
		fmt.Sprintf(LsblkCmdTmpl, ""): {Stdout: "not json"},
	})
	_, err := NewLSBLK(e).GetBlockDevices("")
	assert.NotNil(t, err)

	e = mocks.NewMockExecutor(map[string]mocks.CmdOut{
		fmt.Sprintf(LsblkCmdTmpl, ""): {Stdout: `{"devices": []}`},
	})
	_, err = NewLSBLK(e).GetBlockDevices("")
	assert.NotNil(t, err)
}
