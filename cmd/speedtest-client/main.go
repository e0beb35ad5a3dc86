package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/go/warnonerror"
	"github.com/robertodauria/httpspeed/client"
	"github.com/robertodauria/httpspeed/client/config"
	"github.com/robertodauria/httpspeed/client/emitter"
	"github.com/robertodauria/httpspeed/internal/livefeed"
	"github.com/robertodauria/httpspeed/internal/persistence"
	"github.com/robertodauria/httpspeed/internal/settings"
	"github.com/robertodauria/httpspeed/pkg/speedtest/payload"
	"github.com/robertodauria/httpspeed/pkg/speedtest/results"
	"github.com/robertodauria/httpspeed/pkg/speedtest/spec"
	"go.uber.org/zap"
)

var (
	flagConfig       = flag.String("config", defaultConfigPath(), "Path of the YAML settings file")
	flagDownload     = flag.String("download", "", "Download URL, overrides the settings file")
	flagUpload       = flag.String("upload", "", "Upload URL, overrides the settings file")
	flagSkipDownload = flag.Bool("skip-download", false, "Skip the download subtest")
	flagSkipUpload   = flag.Bool("skip-upload", false, "Skip the upload subtest")
	flagTimeout      = flag.Duration("timeout", spec.DefaultTimeout, "Timeout of each subtest")
	flagPayload      = flag.String("payload", "", "File to upload instead of the downloaded data")
	flagOutput       = flag.String("output", "", "Directory where the summary is written")
	flagFeed         = flag.String("feed", "", "Listen address of the live feed, disabled if empty")
	flagMetrics      = flag.Bool("metrics", false, "Serve Prometheus metrics during the run")
	flagSave         = flag.Bool("save", false, "Save the effective URLs and skip flags to the settings file")
	flagDebug        = flag.Bool("debug", false, "Enable debug logging")
)

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "httpspeed.yaml"
	}
	return filepath.Join(dir, "httpspeed", "settings.yaml")
}

func newLogger(debug bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	rtx.Must(err, "Cannot create logger")
	return logger
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment variables")

	logger := newLogger(*flagDebug)
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	store, err := settings.Load(*flagConfig)
	rtx.Must(err, "Cannot load settings from %s", *flagConfig)
	if *flagDownload != "" {
		rtx.Must(store.SetDownloadURL(*flagDownload), "Invalid download URL")
	}
	if *flagUpload != "" {
		rtx.Must(store.SetUploadURL(*flagUpload), "Invalid upload URL")
	}
	if *flagSkipDownload {
		store.SetSkipDownload(true)
	}
	if *flagSkipUpload {
		store.SetSkipUpload(true)
	}
	if *flagSave {
		rtx.Must(store.Save(), "Cannot save settings to %s", *flagConfig)
	}

	cfg := config.FromProvider(store)
	cfg.Timeout = *flagTimeout
	if *flagPayload != "" {
		cfg.Payload, err = payload.FromFile(*flagPayload)
		rtx.Must(err, "Cannot read payload file")
	}

	if *flagMetrics {
		srv := prometheusx.MustServeMetrics()
		defer warnonerror.Close(srv, "Could not close metrics server")
	}

	emitters := []emitter.Emitter{&emitter.LogEmitter{}}
	if *flagFeed != "" {
		hub := livefeed.New()
		emitters = append(emitters, hub)
		mux := http.NewServeMux()
		mux.Handle(spec.LiveFeedPath, hub)
		feed := &http.Server{Addr: *flagFeed, Handler: mux}
		go func() {
			if err := feed.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zap.L().Sugar().Errorw("Live feed server failed", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			feed.Shutdown(ctx)
		}()
	}

	engine := client.New(client.WithEmitter(emitter.Tee(emitters...)))
	if !engine.RunTest(cfg) {
		zap.L().Sugar().Fatal("A test is already running")
	}
	summary := engine.Wait()

	if *flagOutput != "" && summary.MeasurementID != "" {
		writeSummary(*flagOutput, summary)
	}
	if failed(summary) {
		zap.L().Sugar().Fatalw("Test failed", "mid", summary.MeasurementID)
	}
}

// failed returns whether any subtest of the run ended with an error.
func failed(summary results.Summary) bool {
	return summary.Download.Failed() || summary.Upload.Failed()
}

func writeSummary(dir string, summary results.Summary) {
	fp, err := persistence.New(dir, "summary", summary.MeasurementID)
	if err != nil {
		zap.L().Sugar().Errorw("Cannot create output file", "error", err)
		return
	}
	defer warnonerror.Close(fp, "Could not close output file")
	if err := fp.Write(summary); err != nil {
		zap.L().Sugar().Errorw("Cannot write summary", "error", err)
		return
	}
	zap.L().Sugar().Infow("Summary written", "file", fp.Name())
}
