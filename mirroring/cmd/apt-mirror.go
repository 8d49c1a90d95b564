// Copyright (C) 2020 Storj Labs, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"storj.io/apt-mirror/common"
	"storj.io/apt-mirror/config"
	"storj.io/apt-mirror/fetch"
	"storj.io/apt-mirror/mirroring"
)

var (
	configFile = pflag.String("config", "",
		"YAML file with default values for any of the options below")
	color = pflag.Bool("color", false,
		"Enable color highlighting in logs")
	logFile = pflag.String("log-file", "",
		"Send logs to the named file instead of stderr")
	logJSON = pflag.Bool("log-json", false,
		"Encode log fields as JSON")
	debug = pflag.Bool("debug", false,
		"Enable debug logging")
	showVersion = pflag.Bool("version", false,
		"Print the version and exit")
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [list-file-or-dir ...]\n\n", os.Args[0])
		pflag.PrintDefaults()
	}

	path, err := config.PathFromArgs(os.Args[1:])
	if err != nil {
		fail(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fail(err)
	}
	cfg.BindFlags(pflag.CommandLine)
	pflag.Parse()
	if *showVersion {
		fmt.Println("apt-mirror", common.Version)
		return
	}
	if pflag.NArg() > 0 {
		cfg.Sources = pflag.Args()
	}

	startTime := time.Now()
	logger, err := buildLogger()
	if err != nil {
		fail(fmt.Errorf("could not initialize logging: %w", err))
	}
	logger = logger.With(zap.String("run-id", uuid.NewString()))
	defer func() { _ = logger.Sync() }()
	logger.Debug("configuration loaded",
		zap.String("config", *configFile),
		zap.String("download-dir", cfg.DownloadDir),
		zap.Strings("sources", cfg.Sources),
		zap.Bool("dry-run", cfg.DryRun),
		zap.Bool("incremental", cfg.Incremental),
		zap.Bool("all-versions", cfg.AllVersions))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	report, err := mirroring.SyncMirror(ctx, logger, cfg, fetch.NewHTTPFetcher(cfg.FetchOptions()), os.Stdout)
	if report != nil {
		report.Log(logger)
	}
	if err != nil {
		logger.Fatal("Error syncing mirror", zap.Error(err))
	}

	logger.Info("Sync completed", zap.Duration("duration", time.Since(startTime)))
	if report.Failed() {
		_ = logger.Sync()
		os.Exit(1)
	}
}

func buildLogger() (*zap.Logger, error) {
	logConfig := zap.NewDevelopmentConfig()
	if *color {
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if *logFile != "" {
		logConfig.OutputPaths = []string{*logFile}
	}
	if *logJSON {
		logConfig.Encoding = "json"
	} else {
		logConfig.Encoding = "console"
	}
	if *debug {
		logConfig.Level.SetLevel(zap.DebugLevel)
	} else {
		logConfig.Level.SetLevel(zap.InfoLevel)
		logConfig.DisableStacktrace = true
	}
	return logConfig.Build(zap.AddCaller())
}

func fail(err error) {
	_, _ = os.Stderr.Write([]byte(err.Error() + "\n"))
	os.Exit(2)
}
