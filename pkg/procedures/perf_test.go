package procedures

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	errTypes "github.com/jbod-tools/drivetest/pkg/base/error"
	"github.com/jbod-tools/drivetest/pkg/mocks"
)

var ddSummary = `1024+0 records in
1024+0 records out
1073741824 bytes (1.1 GB, 1.0 GiB) copied, 4.99038 s, 215 MB/s
`

func TestSeqPerf(t *testing.T) {
	scratch := "/mnt/sdb/scratch.bin"
	e := mocks.NewMockExecutor(map[string]mocks.CmdOut{
		fmt.Sprintf(DDReadCmdTmpl, testDevice, 1024): {Stderr: ddSummary},
		fmt.Sprintf(DDWriteCmdTmpl, scratch, 1024):   {Stderr: ddSummary},
		fmt.Sprintf(RemoveScratchCmdTmpl, scratch):   {},
	})
	p := NewSeqPerf(e, testLogger)
	r := newRecorder()

	err := p.Run(context.Background(), testDevice, Params{"scratch": scratch}, r)
	assert.Nil(t, err)
	assert.Equal(t, "215.0", r.results["read_mb_per_sec"])
	assert.Equal(t, "215.0", r.results["write_mb_per_sec"])
	assert.Equal(t, float64(100), r.lastPercent())
}

func TestSeqPerfGBPerSec(t *testing.T) {
	stderr := "2147483648 bytes (2.1 GB, 2.0 GiB) copied, 1.9 s, 1.1 GB/s\n"
	scratch := defaultScratchPath()
	e := mocks.NewMockExecutor(map[string]mocks.CmdOut{
		fmt.Sprintf(DDReadCmdTmpl, testDevice, 256): {Stderr: stderr},
		fmt.Sprintf(DDWriteCmdTmpl, scratch, 256):   {Stderr: stderr},
		fmt.Sprintf(RemoveScratchCmdTmpl, scratch):  {},
	})
	p := NewSeqPerf(e, testLogger)
	r := newRecorder()

	err := p.Run(context.Background(), testDevice, Params{"size_mib": "256"}, r)
	assert.Nil(t, err)
	assert.Equal(t, "1100.0", r.results["read_mb_per_sec"])
	assert.Equal(t, "1100.0", r.results["write_mb_per_sec"])
}

func TestSeqPerfNoThroughput(t *testing.T) {
	e := mocks.NewMockExecutor(map[string]mocks.CmdOut{
		fmt.Sprintf(DDReadCmdTmpl, testDevice, 1024): {Stderr: "1024+0 records out\n"},
	})
	p := NewSeqPerf(e, testLogger)

	err := p.Run(context.Background(), testDevice, nil, newRecorder())
	assert.True(t, errors.Is(err, errTypes.ErrorFailedParsing))
}

func TestSeqPerfWritePhaseBestEffort(t *testing.T) {
	// a device without a writable filesystem keeps its read figure,
	// the write phase is skipped without failing the run
	scratch := defaultScratchPath()
	e := mocks.NewMockExecutor(map[string]mocks.CmdOut{
		fmt.Sprintf(DDReadCmdTmpl, testDevice, 1024): {Stderr: ddSummary},
		fmt.Sprintf(DDWriteCmdTmpl, scratch, 1024): {
			Stderr: "dd: failed to open: Read-only file system",
			Err:    errors.New("exit status 1"),
		},
		fmt.Sprintf(RemoveScratchCmdTmpl, scratch): {},
	})
	p := NewSeqPerf(e, testLogger)
	r := newRecorder()

	err := p.Run(context.Background(), testDevice, nil, r)
	assert.Nil(t, err)
	assert.Equal(t, "215.0", r.results["read_mb_per_sec"])
	_, recorded := r.results["write_mb_per_sec"]
	assert.False(t, recorded)
}

func TestSeqPerfReadFailure(t *testing.T) {
	e := mocks.NewMockExecutor(map[string]mocks.CmdOut{
		fmt.Sprintf(DDReadCmdTmpl, testDevice, 1024): {Err: errors.New("exit status 1")},
	})
	p := NewSeqPerf(e, testLogger)

	err := p.Run(context.Background(), testDevice, nil, newRecorder())
	assert.True(t, errors.Is(err, errTypes.ErrorToolFailure))
}

func TestRandPerfSkipsWhenUnavailable(t *testing.T) {
	// fio --version is not in the map, probe fails
	e := mocks.NewMockExecutor(map[string]mocks.CmdOut{})
	p := NewRandPerf(e, testLogger)
	r := newRecorder()

	err := p.Run(context.Background(), testDevice, nil, r)
	assert.Nil(t, err)
	assert.Contains(t, r.results["skipped"], "not installed")
}

func TestRandPerf(t *testing.T) {
	fioOut := `{"jobs": [{"read": {"iops": 91500.0, "bw": 366002}}]}`
	e := mocks.NewMockExecutor(map[string]mocks.CmdOut{
		FioVersionCmdImpl: {Stdout: "fio-3.16"},
		fmt.Sprintf(FioRandReadCmdTmpl, testDevice, 30): {Stdout: fioOut},
	})
	p := NewRandPerf(e, testLogger)
	r := newRecorder()

	err := p.Run(context.Background(), testDevice, nil, r)
	assert.Nil(t, err)
	assert.Equal(t, "91500", r.results["randread_iops"])
	assert.Equal(t, "366002", r.results["randread_kib_per_sec"])
}

func TestRandPerfBadOutput(t *testing.T) {
	e := mocks.NewMockExecutor(map[string]mocks.CmdOut{
		FioVersionCmdImpl: {Stdout: "fio-3.16"},
		fmt.Sprintf(FioRandReadCmdTmpl, testDevice, 30): {Stdout: "not json"},
	})
	p := NewRandPerf(e, testLogger)

	err := p.Run(context.Background(), testDevice, nil, newRecorder())
	assert.True(t, errors.Is(err, errTypes.ErrorFailedParsing))
}
