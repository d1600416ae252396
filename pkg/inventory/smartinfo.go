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

package inventory

import (
	"fmt"
	"strings"

	"github.com/jbod-tools/drivetest/pkg/base/command"
)

const (
	// SmartctlInfoCmdTmpl is a CMD to get identity information about device in text format
	SmartctlInfoCmdTmpl = "smartctl --info %s"
)

// WrapSmartInfo is an interface that encapsulates identity lookup via smartctl
type WrapSmartInfo interface {
	GetDriveIdentity(path string) (*SMARTIdentity, error)
}

// SMARTIdentity holds identity fields reported by smartctl --info
type SMARTIdentity struct {
	SerialNumber string
	Model        string
	ModelFamily  string
	Firmware     string
	Interface    string
	RotationRate string
}

// SMARTINFO is a wrap for identity output of system smartctl util
type SMARTINFO struct {
	e command.CmdExecutor
}

// NewSMARTINFO is a constructor for SMARTINFO
func NewSMARTINFO(e command.CmdExecutor) *SMARTINFO {
	return &SMARTINFO{e: e}
}

// GetDriveIdentity gets identity information about device by its path using smartctl util.
// smartctl reports identity as "Key: value" text lines which differ between ATA and
// SCSI drives, both variants are handled
// Returns SMARTIdentity or error when smartctl is not usable for the device
func (sa *SMARTINFO) GetDriveIdentity(path string) (*SMARTIdentity, error) {
	strOut, _, err := sa.e.RunCmd(fmt.Sprintf(SmartctlInfoCmdTmpl, path),
		command.UseMetrics(true),
		command.CmdName(strings.TrimSpace(fmt.Sprintf(SmartctlInfoCmdTmpl, ""))))
	if err != nil {
		return nil, err
	}
	/* Example output:
	Model Family:     Seagate Exos X16
	Device Model:     ST16000NM001G-2KK103
	Serial Number:    ZL2A0HKT
	Firmware Version: SN03
	Rotation Rate:    7200 rpm
	SATA Version is:  SATA 3.3, 6.0 Gb/s (current: 6.0 Gb/s)
	*/
	identity := &SMARTIdentity{}
	for _, line := range strings.Split(strOut, "\n") {
		key, value := splitInfoLine(line)
		if value == "" {
			continue
		}
		switch key {
		case "Serial Number", "Serial number":
			identity.SerialNumber = value
		case "Device Model", "Model Number", "Product":
			identity.Model = value
		case "Model Family":
			identity.ModelFamily = value
		case "Firmware Version", "Revision":
			identity.Firmware = value
		case "Rotation Rate":
			identity.RotationRate = value
		case "SATA Version is":
			identity.Interface = sataGeneration(value)
		case "Transport protocol":
			if strings.Contains(value, "SAS") {
				identity.Interface = "SAS"
			}
		}
	}
	if identity.SerialNumber == "" && identity.Model == "" {
		return nil, fmt.Errorf("no identity fields in smartctl output for %s", path)
	}
	return identity, nil
}

// splitInfoLine splits a "Key: value" smartctl line, treating "Key is: value" keys too
func splitInfoLine(line string) (string, string) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", ""
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:])
}

// sataGeneration converts the link speed from the SATA version line to a generation label
func sataGeneration(value string) string {
	switch {
	case strings.Contains(value, "6.0 Gb/s"):
		return "SATA3"
	case strings.Contains(value, "3.0 Gb/s"):
		return "SATA2"
	case strings.Contains(value, "1.5 Gb/s"):
		return "SATA1"
	default:
		return "SATA"
	}
}
