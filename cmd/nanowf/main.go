// Package main starts a NanoWF server.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/micromdm/nanowf/engine"
	enginehttp "github.com/micromdm/nanowf/engine/http"
	httpwf "github.com/micromdm/nanowf/http"
	"github.com/micromdm/nanowf/logkeys"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/envflag"
	nanohttp "github.com/micromdm/nanolib/http"
	"github.com/micromdm/nanolib/http/trace"
	"github.com/micromdm/nanolib/log/stdlogfmt"
)

// overridden by -ldflags -X
var version = "unknown"

const (
	apiUsername = "nanowf"
	apiRealm    = "nanowf"
)

func main() {
	var (
		flDebug   = flag.Bool("debug", false, "log debug messages")
		flListen  = flag.String("listen", ":9005", "HTTP listen address")
		flVersion = flag.Bool("version", false, "print version and exit")
		flDump    = flag.Bool("dump", false, "dump API request bodies")
		flAPIKey  = flag.String("api", "", "API key for API endpoints")
		flStorage = flag.String("storage", "file", "name of storage backend")
		flDSN     = flag.String("storage-dsn", "", "data source name (e.g. connection string or path)")
		flOpTOSec = flag.Uint("op-timeout", uint(engine.DefaultTimeout/time.Second), "default operation timeout in seconds")
	)
	envflag.Parse("NANOWF_", []string{"version"})

	if *flVersion {
		fmt.Println(version)
		return
	}

	logger := stdlogfmt.New(stdlogfmt.WithDebugFlag(*flDebug))

	store, err := parseStorage(*flStorage, *flDSN)
	if err != nil {
		logger.Info(logkeys.Message, "parse storage", logkeys.Error, err)
		os.Exit(1)
	}

	hOpts := []engine.HostOption{
		engine.WithHostLogger(logger.With("service", "host")),
	}
	if *flOpTOSec > 0 {
		hOpts = append(hOpts, engine.WithInstanceOptions(
			engine.WithDefaultTimeout(time.Second*time.Duration(*flOpTOSec)),
		))
	}
	host := engine.NewHost(store, hOpts...)

	if err = registerPrograms(host); err != nil {
		logger.Info(logkeys.Message, "registering programs", logkeys.Error, err)
		os.Exit(1)
	}

	mux := flow.New()

	mux.Handle("/version", nanohttp.NewJSONVersionHandler(version))

	if *flAPIKey != "" {
		mux.Group(func(mux *flow.Mux) {
			mux.Use(func(h http.Handler) http.Handler {
				if *flDump {
					h = httpwf.DumpHandler(h, os.Stdout)
				}
				return nanohttp.NewSimpleBasicAuthHandler(h, apiUsername, *flAPIKey, apiRealm)
			})

			enginehttp.HandleAPIv1("/v1", mux, logger, host)
		})
	}

	// seed for newTraceID
	rand.Seed(time.Now().UnixNano())

	logger.Info(logkeys.Message, "starting server", "listen", *flListen)
	err = http.ListenAndServe(*flListen, trace.NewTraceLoggingHandler(mux, logger.With("handler", "log"), newTraceID))
	logs := []interface{}{logkeys.Message, "server shutdown"}
	if err != nil {
		logs = append(logs, logkeys.Error, err)
	}
	logger.Info(logs...)
}

// newTraceID generates a new HTTP trace ID for context logging.
// Currently this just makes a random string. This would be better
// served by e.g. https://github.com/oklog/ulid or something like
// https://opentelemetry.io/ someday.
func newTraceID(_ *http.Request) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
