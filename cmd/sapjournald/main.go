// sapjournald runs the working-copy journal daemon: it registers a mount
// over a local directory tree, feeds its journal by polling for changes,
// and serves prometheus metrics. The RPC transport binding the service
// surface is deployed separately.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/FahadSec/sapling/journal"
	mbp "github.com/FahadSec/sapling/mainboilerplate"
	"github.com/FahadSec/sapling/metrics"
	"github.com/FahadSec/sapling/mount"
	"github.com/FahadSec/sapling/scm"
	"github.com/FahadSec/sapling/service"
	"github.com/FahadSec/sapling/stream"
)

// Config is the top-level configuration object of sapjournald.
var Config = new(struct {
	Mount struct {
		Name         string        `long:"name" env:"NAME" default:"default" description:"Registered name of the mount"`
		Root         string        `long:"root" env:"ROOT" default:"." description:"Directory tree to watch"`
		ScanInterval time.Duration `long:"scan-interval" env:"SCAN_INTERVAL" default:"1s" description:"Interval between filesystem scans"`
	} `group:"Mount" namespace:"mount" env-namespace:"MOUNT"`

	Journal struct {
		MaxEntries int           `long:"max-entries" env:"MAX_ENTRIES" default:"16384" description:"Maximum retained journal entries"`
		MaxAge     time.Duration `long:"max-age" env:"MAX_AGE" default:"1h" description:"Maximum age of retained journal entries"`
	} `group:"Journal" namespace:"journal" env-namespace:"JOURNAL"`

	Stream struct {
		QueueSize   int           `long:"queue-size" env:"QUEUE_SIZE" default:"128" description:"Delivery queue bound of each subscription"`
		SlowTimeout time.Duration `long:"slow-timeout" env:"SLOW_TIMEOUT" default:"10s" description:"Blocked delivery time after which a subscriber is dropped"`
	} `group:"Stream" namespace:"stream" env-namespace:"STREAM"`

	Metrics struct {
		Port uint16 `long:"port" env:"PORT" default:"8080" description:"Port of the metrics HTTP endpoint"`
	} `group:"Metrics" namespace:"metrics" env-namespace:"METRICS"`

	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

func main() {
	mbp.MustParseArgs(flags.NewParser(Config, flags.Default))
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"mount": Config.Mount.Name,
		"root":  Config.Mount.Root,
	}).Info("starting sapjournald")

	var counters = metrics.NewCounters()
	prometheus.MustRegister(counters.Collectors()...)

	var svc = service.NewService(counters)

	var trees, err = scm.NewCachingDiffer(scm.NewMemoryStore(), 256)
	mbp.Must(err, "building tree differ")

	mnt, err := svc.AddMount(Config.Mount.Name, service.MountConfig{
		Retention: journal.Retention{
			MaxEntries: Config.Journal.MaxEntries,
			MaxAge:     Config.Journal.MaxAge,
		},
		Trees: trees,
		Stream: stream.Config{
			QueueSize:   Config.Stream.QueueSize,
			SlowTimeout: Config.Stream.SlowTimeout,
		},
	})
	mbp.Must(err, "registering mount", "name", Config.Mount.Name)

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var scanner = mount.NewScanner(afero.NewOsFs(), Config.Mount.Root, mnt, Config.Mount.ScanInterval)

	var srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", Config.Metrics.Port),
		Handler: promhttp.Handler(),
	}

	var group, groupCtx = errgroup.WithContext(ctx)
	group.Go(func() error { return scanner.Run(groupCtx) })
	group.Go(func() error { return srv.ListenAndServe() })
	group.Go(func() error {
		<-groupCtx.Done()
		return srv.Close()
	})

	if err = group.Wait(); err != nil && err != context.Canceled && err != http.ErrServerClosed {
		log.WithField("err", err).Fatal("sapjournald failed")
	}
	log.Info("sapjournald stopped")
}
