package main

import (
	"flag"
	"net/http"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/robertodauria/httpspeed/internal/handler"
	"github.com/robertodauria/httpspeed/pkg/speedtest/spec"
	"go.uber.org/zap"
)

var (
	flagEndpointCleartext = flag.String("listen", ":8080", "Listen address/port for cleartext connections")
	flagDataDir           = flag.String("datadir", "", "Directory to store results in, disabled if empty")
	flagDebug             = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment variables")

	logger, err := zap.NewProduction()
	if *flagDebug {
		logger, err = zap.NewDevelopment()
	}
	rtx.Must(err, "Cannot create logger")
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	promServer := prometheusx.MustServeMetrics()
	defer promServer.Close()

	h := handler.New(*flagDataDir)
	mux := http.NewServeMux()
	mux.Handle(spec.DownloadPath, http.HandlerFunc(h.Download))
	mux.Handle(spec.UploadPath, http.HandlerFunc(h.Upload))

	zap.L().Sugar().Infow("About to listen for speed tests", "addr", *flagEndpointCleartext)
	srv := &http.Server{
		Addr:        *flagEndpointCleartext,
		Handler:     mux,
		ConnContext: handler.ConnContext,
	}
	rtx.Must(srv.ListenAndServe(), "Could not start cleartext server")
}
