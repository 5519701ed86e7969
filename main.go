/*
Copyright 2022 The l7mp/stunner team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/l7mp/dflow/internal/buildinfo"
	"github.com/l7mp/dflow/pkg/closure"
	"github.com/l7mp/dflow/pkg/dataflow"
	"github.com/l7mp/dflow/pkg/view"
	"github.com/l7mp/dflow/pkg/visualize"
)

var (
	version    = "dev"
	commitHash = "n/a"
	buildDate  = "<unknown>"
)

type config struct {
	script      string
	variant     string
	workers     int
	buffer      int
	store       string
	storePath   string
	metricsAddr string
	format      string
	graph       string
	verify      bool
}

func main() {
	cfg := config{}
	opts := zap.Options{
		Development:     true,
		DestWriter:      os.Stderr,
		StacktraceLevel: zapcore.Level(3),
		TimeEncoder:     zapcore.RFC3339NanoTimeEncoder,
	}

	cmd := &cobra.Command{
		Use:   "dflow",
		Short: "Incrementally maintain the transitive closure of a relation and report its cycles",
		Long: `dflow replays a scenario of insertions and removals on a "contents" relation through an
incremental dataflow and prints the changes of the transitive closure and the cycle witnesses
at each epoch.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := zap.New(zap.UseFlagOptions(&opts))
			return run(cmd.Context(), cfg, logger)
		},
	}

	goflags := flag.NewFlagSet("zap", flag.ExitOnError)
	opts.BindFlags(goflags)
	cmd.Flags().AddGoFlagSet(goflags)

	fs := cmd.Flags()
	fs.StringVarP(&cfg.script, "script", "f", "", "Scenario file (YAML or JSON), default is the built-in scenario")
	fs.StringVar(&cfg.variant, "variant", closure.Linear.String(), "Closure formulation: linear or squaring")
	fs.IntVarP(&cfg.workers, "workers", "w", 1, "Number of worker goroutines")
	fs.IntVar(&cfg.buffer, "channel-buffer", dataflow.DefaultChannelBuffer, "Capacity of each dataflow edge, in epochs")
	fs.StringVar(&cfg.store, "store", view.StoreTypeMemory.String(), "View store: memory or badger")
	fs.StringVar(&cfg.storePath, "store-path", "", "Directory of the badger store, in-memory if empty")
	fs.StringVar(&cfg.metricsAddr, "metrics-bind-address", "", "The address the metric endpoint binds to, disabled if empty")
	fs.StringVarP(&cfg.format, "output", "o", "log", "Output format: log or table")
	fs.StringVar(&cfg.graph, "graph", "", "Print the dataflow graph in the given format (dot or mermaid) and exit")
	fs.BoolVar(&cfg.verify, "verify", false, "Check the final views against a from-scratch computation")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, logger logr.Logger) error {
	setupLog := logger.WithName("setup")

	buildInfo := buildinfo.BuildInfo{Version: version, CommitHash: commitHash, BuildDate: buildDate}
	setupLog.Info("starting "+buildInfo.String(), "run-id", uuid.NewString())

	variant, err := closure.ParseVariant(cfg.variant)
	if err != nil {
		return err
	}
	if cfg.format != "log" && cfg.format != "table" {
		return fmt.Errorf("unknown output format %q (expected log or table)", cfg.format)
	}

	scenario := closure.DefaultScenario()
	if cfg.script != "" {
		if scenario, err = closure.LoadScenario(cfg.script); err != nil {
			setupLog.Error(err, "unable to load scenario", "file", cfg.script)
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	df := dataflow.New(dataflow.Options{
		Name:          "closure",
		Workers:       cfg.workers,
		ChannelBuffer: cfg.buffer,
		Registerer:    reg,
		Logger:        logger,
		OnAnomaly: func(input string, u dataflow.Update) {
			setupLog.Info("negative multiplicity in input", "input", input, "update", u.String())
		},
	})
	prog := closure.Build(df, closure.Options{Variant: variant})

	rep := newReporter(os.Stdout, cfg.format)
	prog.Closure.Sink("path", rep.sink("path"))
	prog.Cycles.Sink("cycle", rep.sink("cycle"))

	views := map[string]*view.View{}
	for name, s := range map[string]*dataflow.Stream{"closure": prog.Closure, "cycles": prog.Cycles} {
		store, err := newStore(cfg, name)
		if err != nil {
			setupLog.Error(err, "unable to open view store", "view", name)
			return err
		}
		v, err := view.New(name, view.Options{Store: store, Logger: logger})
		if err != nil {
			return err
		}
		defer v.Close() //nolint:errcheck
		s.Sink(name+"/view", v)
		views[name] = v
	}

	if err := df.Validate(); err != nil {
		setupLog.Error(err, "invalid dataflow")
		return err
	}

	if cfg.graph != "" {
		gen, err := visualize.NewGenerator(cfg.graph)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, gen.Generate(visualize.BuildGraph(df)))
		return nil
	}

	if cfg.metricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				setupLog.Error(err, "metrics server failed")
			}
		}()
		defer srv.Close() //nolint:errcheck
		setupLog.Info("serving metrics", "address", cfg.metricsAddr)
	}

	if err := scenario.Apply(prog.Contents); err != nil {
		setupLog.Error(err, "unable to apply scenario", "scenario", scenario.Name)
		return err
	}
	if err := prog.Contents.Close(); err != nil {
		return err
	}

	setupLog.Info("running dataflow", "scenario", scenario.Name, "variant", variant.String(),
		"workers", cfg.workers)
	if err := df.Run(ctx); err != nil {
		setupLog.Error(err, "problem running dataflow")
		return err
	}

	rep.flush()

	for name, v := range views {
		if err := v.Err(); err != nil {
			setupLog.Error(err, "view failed", "view", name)
			return err
		}
	}

	if cfg.verify {
		last := scenario.Epochs()
		contents := map[dataflow.Tuple]int{}
		if len(last) > 0 {
			contents = scenario.Contents(last[len(last)-1])
		}
		paths, err := views["closure"].Snapshot()
		if err != nil {
			return err
		}
		cycles, err := views["cycles"].Snapshot()
		if err != nil {
			return err
		}
		if err := closure.Verify(contents, paths, cycles); err != nil {
			setupLog.Error(err, "verification failed")
			return err
		}
		setupLog.Info("verification passed", "paths", len(paths), "cycles", len(cycles))
	}

	return nil
}

func newStore(cfg config, name string) (view.Store, error) {
	switch view.NewStoreType(cfg.store) {
	case view.StoreTypeMemory:
		return view.NewMemoryStore(), nil
	case view.StoreTypeBadger:
		path := ""
		if cfg.storePath != "" {
			path = filepath.Join(cfg.storePath, name)
		}
		return view.NewBadgerStore(path)
	default:
		return nil, fmt.Errorf("unknown store %q (expected memory or badger)", cfg.store)
	}
}
