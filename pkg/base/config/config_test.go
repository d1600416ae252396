package config

import (
	"io/ioutil"
	"path"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestWatcherDefaults(t *testing.T) {
	w := NewWatcher("", logrus.New())
	cfg := w.Config()
	assert.Equal(t, BayPolicyTarget, cfg.BayPolicy)
	assert.Equal(t, 60, cfg.TemperatureWarnThreshold)
	assert.Equal(t, 5, cfg.StopGraceSeconds)
}

func TestWatcherReadsFile(t *testing.T) {
	content := []byte("logLevel: debug\nbayPolicy: lun\ntemperatureWarnThreshold: 55\n")
	configPath := path.Join(t.TempDir(), "config.yaml")
	assert.Nil(t, ioutil.WriteFile(configPath, content, 0600))

	w := NewWatcher(configPath, logrus.New())
	cfg := w.Config()
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, BayPolicyLun, cfg.BayPolicy)
	assert.Equal(t, 55, cfg.TemperatureWarnThreshold)
	// untouched fields keep defaults
	assert.Equal(t, 5, cfg.StopGraceSeconds)
}

func TestWatcherBrokenFileKeepsDefaults(t *testing.T) {
	configPath := path.Join(t.TempDir(), "config.yaml")
	assert.Nil(t, ioutil.WriteFile(configPath, []byte("{not yaml"), 0600))

	w := NewWatcher(configPath, logrus.New())
	assert.Equal(t, Default(), w.Config())
}
