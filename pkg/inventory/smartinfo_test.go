package inventory

import (
	"fmt"
	"testing"

	"gotest.tools/assert"

	"github.com/jbod-tools/drivetest/pkg/mocks"
)

func TestSmartInfoParsesATA(t *testing.T) {
	output := `smartctl 7.1 2019-12-30 r5022 [x86_64-linux-5.4.0] (local build)

=== START OF INFORMATION SECTION ===
Model Family:     Seagate Exos X16
Device Model:     ST16000NM001G-2KK103
Serial Number:    ZL2A0HKT
Firmware Version: SN03
Rotation Rate:    7200 rpm
SATA Version is:  SATA 3.3, 6.0 Gb/s (current: 6.0 Gb/s)
`
	e := mocks.NewMockExecutor(map[string]mocks.CmdOut{
		fmt.Sprintf(SmartctlInfoCmdTmpl, "/dev/sdb"): {Stdout: output},
	})
	identity, err := NewSMARTINFO(e).GetDriveIdentity("/dev/sdb")
	assert.NilError(t, err)
	assert.Equal(t, identity.SerialNumber, "ZL2A0HKT")
	assert.Equal(t, identity.Model, "ST16000NM001G-2KK103")
	assert.Equal(t, identity.ModelFamily, "Seagate Exos X16")
	assert.Equal(t, identity.Firmware, "SN03")
	assert.Equal(t, identity.Interface, "SATA3")
	assert.Equal(t, identity.RotationRate, "7200 rpm")
}

func TestSmartInfoParsesSAS(t *testing.T) {
	output := `Vendor:               SEAGATE
Product:              ST4000NM0023
Revision:             GS10
Serial number:        Z1Z8JZ90
Transport protocol:   SAS (SPL-3)
`
	e := mocks.NewMockExecutor(map[string]mocks.CmdOut{
		fmt.Sprintf(SmartctlInfoCmdTmpl, "/dev/sdc"): {Stdout: output},
	})
	identity, err := NewSMARTINFO(e).GetDriveIdentity("/dev/sdc")
	assert.NilError(t, err)
	assert.Equal(t, identity.SerialNumber, "Z1Z8JZ90")
	assert.Equal(t, identity.Model, "ST4000NM0023")
	assert.Equal(t, identity.Firmware, "GS10")
	assert.Equal(t, identity.Interface, "SAS")
}

func TestSmartInfoSATAGenerations(t *testing.T) {
	assert.Equal(t, sataGeneration("SATA 2.6, 1.5 Gb/s"), "SATA1")
	assert.Equal(t, sataGeneration("SATA 2.6, 3.0 Gb/s"), "SATA2")
	assert.Equal(t, sataGeneration("SATA 3.3, 6.0 Gb/s (current: 6.0 Gb/s)"), "SATA3")
	assert.Equal(t, sataGeneration("SATA, unknown"), "SATA")
}

func TestSmartInfoNoIdentity(t *testing.T) {
	e := mocks.NewMockExecutor(map[string]mocks.CmdOut{
		fmt.Sprintf(SmartctlInfoCmdTmpl, "/dev/sdb"): {Stdout: "smartctl 7.1\nno identity here\n"},
	})
	_, err := NewSMARTINFO(e).GetDriveIdentity("/dev/sdb")
	assert.Assert(t, err != nil)
}
