// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// assocd manages SCTP and TCP associations as described by a TOML
// configuration file, which is reloaded after changes.
package main

import (
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	d, err := startDaemon(os.Args[1])
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to start")
	}

	waitSigint()
	log.Info("Shutting down..")

	d.close()
}
