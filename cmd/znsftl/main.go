// znsftl is a userspace daemon implementing a Flash Translation Layer
// over a Zoned Namespace block device. It serves the block-device API
// (read/write/deinit) to an out-of-scope filesystem layer over a Unix
// domain socket.
//
// Project structure is following:
//
// - internal contains all packages used by this program.
//
// - internal/ftl contains the translation core: mapping store, write
// path, read path, GC/merge engine and the metadata checkpoint. It
// never imports a concrete transport.
//
// - internal/transport contains the Namespace interface consumed by
// internal/ftl and the simulated/nbdzns/s3zns/nullns implementations
// of it.
//
// - internal/config contains configuration shared by the daemon and
// every transport.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/znsftl/znsftl/internal/config"
	"github.com/znsftl/znsftl/internal/ftl"
	"github.com/znsftl/znsftl/internal/transport"
	"github.com/znsftl/znsftl/internal/transport/nbdzns"
	"github.com/znsftl/znsftl/internal/transport/nullns"
	"github.com/znsftl/znsftl/internal/transport/s3zns"
	"github.com/znsftl/znsftl/internal/transport/simulated"
)

// Parse configuration, open the selected namespace transport, init the
// FTL device and serve the protocol socket until signaled by SIGINT or
// SIGTERM to gracefully finish.
func main() {
	if err := config.Configure(); err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	ctx := context.Background()

	ns, closeNS, err := getNamespace(config.Cfg.Transport.Kind)
	if err != nil {
		log.Panic().Err(err).Send()
	}
	defer closeNS()

	device, err := ftl.Init(ctx, ns, ftl.Options{
		LogZones:       config.Cfg.LogZones,
		GCWatermark:    config.Cfg.GCWatermark,
		ForceReset:     config.Cfg.ForceReset,
		SkipCheckpoint: config.Cfg.SkipCheckpoint,
	})
	if err != nil {
		log.Panic().Err(err).Send()
	}

	log.Info().Msgf("znsftl device %q ready on %s", config.Cfg.Name, config.Cfg.Socket)

	server, err := newServer(config.Cfg.Socket, device, config.Cfg.Daemon.Workers)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	registerSigHandlers(ctx, server, device)

	if err := server.Serve(); err != nil {
		log.Error().Err(err).Msg("znsftl: protocol server stopped")
	}
}

// getNamespace opens the namespace transport named by kind and returns
// a close function that releases it, unifying the four backends behind
// a single return shape for main to defer.
func getNamespace(kind string) (transport.Namespace, func(), error) {
	switch kind {
	case "simulated":
		ns, err := simulated.New(simulated.Options{
			Path:          config.Cfg.Transport.Simulated.Path,
			NumZones:      config.Cfg.Transport.Simulated.NumZones,
			BlocksPerZone: config.Cfg.Transport.Simulated.BlocksPerZone,
			LBASize:       config.Cfg.Transport.Simulated.LBASize,
			MDTS:          config.Cfg.Transport.Simulated.MDTS,
		})
		if err != nil {
			return nil, nil, err
		}
		return ns, func() { ns.Close() }, nil

	case "nbd":
		ns, err := nbdzns.New(nbdzns.Options{
			UnixSocket:    config.Cfg.Transport.NBD.UnixSocket,
			NumZones:      config.Cfg.Transport.NBD.NumZones,
			BlocksPerZone: config.Cfg.Transport.NBD.BlocksPerZone,
			LBASize:       config.Cfg.Transport.NBD.LBASize,
			MDTS:          config.Cfg.Transport.NBD.MDTS,
		})
		if err != nil {
			return nil, nil, err
		}
		return ns, func() { ns.Close() }, nil

	case "s3":
		ns, err := s3zns.New(s3zns.Options{
			Remote:        config.Cfg.Transport.S3.Remote,
			Region:        config.Cfg.Transport.S3.Region,
			Bucket:        config.Cfg.Transport.S3.Bucket,
			AccessKey:     config.Cfg.Transport.S3.AccessKey,
			SecretKey:     config.Cfg.Transport.S3.SecretKey,
			NumZones:      config.Cfg.Transport.S3.NumZones,
			BlocksPerZone: config.Cfg.Transport.S3.BlocksPerZone,
			LBASize:       config.Cfg.Transport.S3.LBASize,
			MDTS:          config.Cfg.Transport.S3.MDTS,
		})
		if err != nil {
			return nil, nil, err
		}
		return ns, func() {}, nil

	case "null":
		ns := nullns.New(nullns.Options{
			NumZones:      config.Cfg.Transport.Simulated.NumZones,
			BlocksPerZone: config.Cfg.Transport.Simulated.BlocksPerZone,
			LBASize:       config.Cfg.Transport.Simulated.LBASize,
			MDTS:          config.Cfg.Transport.Simulated.MDTS,
		})
		return ns, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("znsftl: unknown transport kind %q", kind)
	}
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(ctx context.Context, server *server, device *ftl.Device) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msg("received interrupt, stopping znsftl device")
		server.Stop()
		if err := device.Deinit(ctx); err != nil {
			log.Error().Err(err).Msg("znsftl: checkpoint on shutdown failed")
		}
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for performance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
