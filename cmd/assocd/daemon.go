// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/api"
	"github.com/dtn7/assoc-go/pkg/assoc"
	"github.com/dtn7/assoc-go/pkg/config"
	"github.com/dtn7/assoc-go/pkg/storage"
)

// daemon wires a Management to its configuration, store and API.
type daemon struct {
	mutex sync.Mutex
	conf  config.Config

	management *assoc.Management
	store      *storage.Store
	api        *api.API
	watcher    *config.Watcher
}

// startDaemon based on the given configuration file.
func startDaemon(filename string) (d *daemon, err error) {
	conf, err := config.Load(filename)
	if err != nil {
		return
	}

	conf.Logging.Apply()

	d = &daemon{conf: conf}

	if d.management, err = assoc.NewManagement(conf.Management.Name, conf.ManagementConfig()); err != nil {
		return
	}
	d.management.SetServerAcceptor(assoc.ServerAcceptorFunc(acceptAnonymous))

	if err = d.management.Start(); err != nil {
		return
	}

	if conf.Management.Store != "" {
		if d.store, err = storage.NewStore(conf.Management.Store); err != nil {
			_ = d.management.Stop()
			return
		}

		if restoreErr := d.store.Restore(d.management, newLogListener); restoreErr != nil {
			log.WithError(restoreErr).Warn("Restoring the stored topology failed partially")
		}

		d.management.RegisterManagementEventListener(storage.NewRecorder(d.store))
	}

	if applyErr := config.Apply(d.management, nil, &conf, newLogListener); applyErr != nil {
		log.WithError(applyErr).Warn("Applying the configuration failed partially")
	}

	if conf.API.Listen != "" {
		d.api = api.New(d.management, newLogListener)
		if err = d.api.Serve(conf.API.Listen); err != nil {
			d.close()
			return
		}
	}

	if d.watcher, err = config.NewWatcher(filename, d.reload); err != nil {
		d.close()
		return
	}

	return
}

// reload is called by the Watcher for a changed configuration.
func (d *daemon) reload(conf config.Config) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	conf.Logging.Apply()

	if conf.Management.Name != d.conf.Management.Name ||
		conf.Management.Store != d.conf.Management.Store ||
		conf.Options != d.conf.Options ||
		conf.API != d.conf.API {
		log.Warn("Changes of the management, options or api blocks require a restart")
	}

	if err := config.Apply(d.management, &d.conf, &conf, newLogListener); err != nil {
		log.WithError(err).Warn("Applying the changed configuration failed partially")
	}

	d.conf = conf
}

// close everything in reverse order. The store is closed last, as stopping
// the Management is still recorded.
func (d *daemon) close() {
	var errs error

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if d.api != nil {
		if err := d.api.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := d.management.Stop(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if errs != nil {
		log.WithError(errs).Warn("Shutting down errored")
	}
}
