// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, filename, data string) {
	require.NoError(t, os.WriteFile(filename, []byte(data), 0600))
}

func TestWatcher(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "assocd.toml")
	writeConfig(t, filename, "[management]\nname = \"first\"\n")

	conf, err := Load(filename)
	require.NoError(t, err)
	assert.Equal(t, "first", conf.Management.Name)

	changes := make(chan Config, 8)
	w, err := NewWatcher(filename, func(conf Config) { changes <- conf })
	require.NoError(t, err)
	defer func() { assert.NoError(t, w.Close()) }()

	// Other files in the directory are ignored.
	writeConfig(t, filepath.Join(filepath.Dir(filename), "other.toml"), "[management]\nname = \"other\"\n")

	// Invalid configurations are skipped.
	writeConfig(t, filename, "[management]\nname = \"\"\n")
	time.Sleep(2 * reloadDelay)
	writeConfig(t, filename, "[management]\nname = \"second\"\n")

	select {
	case conf := <-changes:
		assert.Equal(t, "second", conf.Management.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("Watcher did not report the changed configuration")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
