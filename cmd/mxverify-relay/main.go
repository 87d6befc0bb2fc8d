// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// mxverify-relay is a minimal event relay that routes to-device and room
// events between mxverify clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"
	"go.mau.fi/zeroconfig"
	flag "maunium.net/go/mauflag"

	"maunium.net/go/mxverify/mockserver"
)

var listenAddress = flag.MakeFull("l", "listen", "Address to listen on.", "localhost:29333").String()
var logLevel = flag.MakeFull("L", "log-level", "Minimum log level.", "info").String()
var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles("mxverify-relay - Event relay for mxverify clients", "mxverify-relay [-h] [-l <address>] [-L <level>]")
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Invalid log level:", err)
		os.Exit(1)
	}
	log, err := (&zeroconfig.Config{
		MinLevel: &level,
		Writers: []zeroconfig.WriterConfig{{
			Type:   zeroconfig.WriterTypeStdout,
			Format: zeroconfig.LogFormatPrettyColored,
		}},
	}).Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	exzerolog.SetupDefaults(log)

	srv := mockserver.NewServer(*log)
	httpServer := &http.Server{
		Addr:              *listenAddress,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("address", *listenAddress).Msg("Starting relay")
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to listen")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("Shutting down relay")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = httpServer.Shutdown(ctx); err != nil {
		log.Err(err).Msg("Failed to shut down HTTP server")
	}
}
