// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// reloadDelay collects the burst of events of a single save.
const reloadDelay = 200 * time.Millisecond

// Watcher reloads a configuration file after it was written. Invalid
// configurations are logged and skipped.
type Watcher struct {
	filename string
	watcher  *fsnotify.Watcher
	onChange func(conf Config)

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewWatcher starts watching filename. onChange is called from the Watcher's
// goroutine for every successfully loaded configuration.
func NewWatcher(filename string, onChange func(conf Config)) (w *Watcher, err error) {
	abs, err := filepath.Abs(filename)
	if err != nil {
		return
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}

	// Editors often replace the file, so its directory is watched.
	if err = fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return
	}

	w = &Watcher{
		filename: abs,
		watcher:  fw,
		onChange: onChange,
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}
	go w.handler()

	log.WithField("file", abs).Info("Watching configuration file")
	return
}

func (w *Watcher) handler() {
	defer close(w.stopAck)

	var reload <-chan time.Time

	for {
		select {
		case <-w.stopSyn:
			return

		case e, ok := <-w.watcher.Events:
			if !ok {
				log.Error("fsnotify's Event channel was closed")
				return
			}

			if filepath.Clean(e.Name) != w.filename {
				continue
			}

			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				log.WithFields(log.Fields{
					"file":      e.Name,
					"operation": e.Op.String(),
				}).Debug("Ignoring fsnotify event")
				continue
			}

			reload = time.After(reloadDelay)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				log.Error("fsnotify's Errors channel was closed")
				return
			}

			log.WithError(err).Warn("fsnotify errored")

		case <-reload:
			reload = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	conf, err := Load(w.filename)
	if err != nil {
		log.WithFields(log.Fields{
			"file":  w.filename,
			"error": err,
		}).Warn("Reloading configuration failed, keeping the previous one")
		return
	}

	log.WithField("file", w.filename).Info("Configuration file was changed")
	w.onChange(conf)
}

// Close stops watching and waits for a running onChange to return.
func (w *Watcher) Close() error {
	close(w.stopSyn)
	<-w.stopAck
	return w.watcher.Close()
}
