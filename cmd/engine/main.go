package main

import (
	"context"
	"flag"
	"log"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"main/internal/archive"
	"main/internal/book"
	"main/internal/coord"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/router"
	"main/internal/schema"
	"main/internal/strategy"
	"main/internal/venue"
	"main/internal/venue/binance"
	"main/internal/venue/coinbase"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sys.Shutdown()
		logs.Info("shutdown signal received")
		cancel()
	}()

	if loaded.Profiling.Enabled {
		name := loaded.Profiling.ApplicationName
		if name == "" {
			name = "mm-engine"
		}
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: name,
			ServerAddress:   loaded.Profiling.ServerAddress,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer profiler.Stop()
	}

	if loaded.Metrics.Addr != "" {
		go obs.Serve(ctx, loaded.Metrics.Addr)
	}

	agg := book.NewAggregator(&book.RegistryView{
		Listings: loaded.Registry.Listings,
		Symbol:   loaded.Registry.Symbol,
	})

	adapters := make(map[schema.VenueID]venue.Adapter, len(loaded.Venues))
	clients := make(map[schema.VenueID]router.VenueClient, len(loaded.Venues))
	for _, spec := range loaded.Venues {
		adapter, err := buildAdapter(spec)
		if err != nil {
			log.Fatalf("venue %s: %v", spec.Name, err)
		}
		adapters[spec.ID] = adapter
		clients[spec.ID] = adapter
	}

	var archiver router.Archiver
	if loaded.Archive.Enabled {
		store, err := archive.Open(archive.Option{
			Host:     loaded.Archive.Host,
			Port:     loaded.Archive.Port,
			User:     loaded.Archive.User,
			Password: loaded.Archive.Password,
			Database: loaded.Archive.Database,
			SSLMode:  loaded.Archive.SSLMode,
		}, loaded.Registry)
		if err != nil {
			log.Fatalf("archive open failed: %v", err)
		}
		defer store.Close()
		archiver = store
	}

	// The strategy boundary: consolidated tops and order lifecycle
	// events flow out through bounded queues, never inline with the
	// hot paths that produce them.
	var runner *strategy.Runner
	r := router.New(loaded.Router, router.Deps{
		Registry: loaded.Registry,
		Agg:      agg,
		Policy:   buildPolicy(loaded.Policy),
		Clients:  clients,
		Archiver: archiver,
		Notify: router.Notify{
			OnOrderUpdate: func(o router.Order, err error) { runner.PublishOrder(o, err) },
			OnIntentDone:  func(res router.IntentResult) { runner.PublishResult(res) },
		},
	})
	runner = strategy.NewRunner(strategy.Observer{}, r)
	agg.SetOnChange(runner.PublishTop)
	go runner.Run(ctx)

	co := coord.New(loaded.Coordinator, agg, r)
	for _, spec := range loaded.Venues {
		co.AddVenue(adapters[spec.ID], spec.SymbolIDs)
	}

	go r.Run(ctx)
	logs.Infof("engine started: %d venues, %d listings", loaded.Registry.VenueCount(), loaded.Registry.SymbolCount())
	co.Run(ctx)

	for _, adapter := range adapters {
		if err := adapter.Close(); err != nil {
			logs.Warnf("adapter close failed, err: %+v", err)
		}
	}
	logs.Info("engine stopped")
}

func buildAdapter(spec ops.VenueSpec) (venue.Adapter, error) {
	switch spec.Kind {
	case "binance":
		return binance.New(binance.Config{
			VenueID:     spec.ID,
			Symbols:     spec.Symbols,
			APIKey:      spec.Key,
			APISecret:   spec.Secret,
			RESTBaseURL: spec.RESTBaseURL,
			WSBaseURL:   spec.WSBaseURL,
		}, nil), nil
	case "coinbase":
		return coinbase.New(coinbase.Config{
			VenueID:     spec.ID,
			Symbols:     spec.Symbols,
			Key:         spec.Key,
			Secret:      spec.Secret,
			Passphrase:  spec.Passphrase,
			RESTBaseURL: spec.RESTBaseURL,
			WSBaseURL:   spec.WSBaseURL,
		}, nil), nil
	default:
		return nil, errors.Errorf("unknown venue kind: %s", spec.Kind)
	}
}

func buildPolicy(name string) router.Policy {
	switch name {
	case "", "best_price":
		return router.BestPrice{}
	case "split":
		return router.SplitWeighted{}
	default:
		log.Fatalf("unknown routing policy: %s", name)
		return nil
	}
}
