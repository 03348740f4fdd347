package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	offlineproxy "github.com/vocab-pro/offline-proxy"
	"github.com/vocab-pro/offline-proxy/store"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Store DB file name (use 'memory' for in-memory db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config, err := getConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	if originFlag != "" {
		config.Origin = originFlag
	}
	if portFlag != 0 {
		config.Port = portFlag
	}
	if dbFilenameFlag != "" {
		config.DB = dbFilenameFlag
	}
	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}

	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	dbFilename := config.DB
	if dbFilename == "memory" {
		dbFilename = ""
	}

	workerConfig := offlineproxy.Config{
		Storage:              store.NewSQLiteStorage(dbFilename),
		OriginURL:            *originURL,
		APIPrefix:            config.APIPrefix,
		Precache:             config.Precache,
		ShellPath:            config.Shell,
		Logger:               &log.Logger,
		PeriodicSync:         config.Sync.Periodic,
		PeriodicSyncInterval: config.Sync.PeriodicInterval,
	}
	if config.Version != "" {
		workerConfig.Generation = "vocab-pro-cache-" + config.Version
	}

	worker := offlineproxy.CreateWorker(workerConfig)

	ctx := context.Background()
	if err := worker.Install(ctx); err != nil {
		// the origin may simply be down at startup; the shell will be
		// cached on first successful fetch instead
		log.Warn().Err(err).Msg("Could not precache app shell")
	}
	if err := worker.Activate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Could not activate worker")
	}

	go worker.WatchConnectivity(ctx, config.Sync.ProbeInterval)

	mux := http.NewServeMux()
	mux.Handle("/sw/", worker.ControlHandler())
	mux.Handle("/", worker)

	log.Info().Msgf("Proxying port %v to %s", config.Port, originURL.String())
	if err := http.ListenAndServe(fmt.Sprintf(":%d", config.Port), mux); err != nil {
		panic(err)
	}
}
