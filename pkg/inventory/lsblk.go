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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jbod-tools/drivetest/pkg/base/command"
)

const (
	// LsblkCmdTmpl adds device path, if add empty string - command will print info about all devices
	LsblkCmdTmpl = "lsblk %s --paths --json --bytes --nodeps " +
		"--output NAME,TYPE,SIZE,ROTA,SERIAL,WWN,VENDOR,MODEL,REV,HCTL,TRAN"
	// lsblkOutputKey is the key to find block devices in lsblk json output
	lsblkOutputKey = "blockdevices"
	// romDeviceType is the constant that represents rom devices to exclude them from lsblk output
	romDeviceType = "rom"
)

// WrapLsblk is an interface that encapsulates operation with system lsblk util
type WrapLsblk interface {
	GetBlockDevices(device string) ([]BlockDevice, error)
}

// LSBLK is a wrap for system lsblk util
type LSBLK struct {
	e command.CmdExecutor
}

// NewLSBLK is a constructor for LSBLK struct
func NewLSBLK(e command.CmdExecutor) *LSBLK {
	return &LSBLK{e: e}
}

// BlockDevice is the struct that represents output of lsblk (from util-linux 2.34) command for a device
type BlockDevice struct {
	Name      string `json:"name,omitempty"`
	Type      string `json:"type,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Rota      bool   `json:"rota,omitempty"`
	Serial    string `json:"serial,omitempty"`
	WWN       string `json:"wwn,omitempty"`
	Vendor    string `json:"vendor,omitempty"`
	Model     string `json:"model,omitempty"`
	Rev       string `json:"rev,omitempty"`
	HCTL      string `json:"hctl,omitempty"`
	Transport string `json:"tran,omitempty"`
}

// GetBlockDevices run os lsblk command for device and construct BlockDevice struct based on output
// Receives device path. If device is empty string, info about all devices will be collected
// Returns slice of BlockDevice structs or error if something went wrong
func (l *LSBLK) GetBlockDevices(device string) ([]BlockDevice, error) {
	cmd := fmt.Sprintf(LsblkCmdTmpl, device)
	strOut, _, err := l.e.RunCmd(cmd,
		command.UseMetrics(true),
		command.CmdName(strings.TrimSpace(fmt.Sprintf(LsblkCmdTmpl, ""))))
	if err != nil {
		return nil, err
	}

	rawOut := make(map[string][]BlockDevice, 1)
	if err := json.Unmarshal([]byte(strOut), &rawOut); err != nil {
		return nil, fmt.Errorf("unable to unmarshal output to BlockDevice instance, error: %v", err)
	}
	devs, ok := rawOut[lsblkOutputKey]
	if !ok {
		return nil, fmt.Errorf("unexpected lsblk output format, missing \"%s\" key", lsblkOutputKey)
	}
	res := make([]BlockDevice, 0)
	for _, d := range devs {
		if d.Type != romDeviceType {
			res = append(res, d)
		}
	}

	return res, nil
}
