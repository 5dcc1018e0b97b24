//  Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/stealthrocket/timeprof"
)

var (
	frequency  int
	cpuProfile string
	pprofAddr  string
	ringSize   int
	labels     []string
	verbose    bool
)

func init() {
	flag.IntVar(&frequency, "frequency", 99, "Sampling frequency in hertz.")
	flag.StringVar(&cpuProfile, "cpuprofile", "", "Write a CPU profile to the specified file before exiting.")
	flag.StringVar(&pprofAddr, "pprof-addr", "", "Address where to expose a pprof HTTP endpoint.")
	flag.IntVar(&ringSize, "ring-size", timeprof.DefaultRingCapacity, "Capacity of the raw sample buffer.")
	flag.StringArrayVar(&labels, "label", nil, "key=value label attached to every sample (repeatable).")
	flag.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging.")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}

	if err := run(ctx, logger); err != nil {
		logger.Fatal().Err(err).Msg("timeprof")
	}
}

func run(ctx context.Context, logger zerolog.Logger) error {
	args := flag.Args()
	if len(args) != 1 {
		return fmt.Errorf("usage: timeprof [options] </path/to/app.wasm>")
	}
	wasmPath := args[0]
	wasmName := filepath.Base(wasmPath)
	wasmCode, err := os.ReadFile(wasmPath)
	if err != nil {
		return fmt.Errorf("loading wasm module: %w", err)
	}

	host := timeprof.NewWazeroHost()
	profiler := timeprof.NewCPUProfiler(host, timeprof.RingCapacity(ringSize))

	if len(labels) > 0 {
		profiler.SetLabels(timeprof.NewLabelSet(parseLabels(labels)))
	}

	ctx = host.Instrument(ctx)

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithDebugInfoEnabled(true).
		WithCustomSections(true))
	defer runtime.Close(ctx)

	compiledModule, err := runtime.CompileModule(ctx, wasmCode)
	if err != nil {
		return fmt.Errorf("compiling wasm module: %w", err)
	}
	defer compiledModule.Close(ctx)

	if pprofAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/debug/pprof/profile", timeprof.NewHandler(profiler, frequency))
		go func() {
			logger.Info().Str("addr", pprofAddr).Msg("serving pprof endpoint")
			if err := http.ListenAndServe(pprofAddr, mux); err != nil {
				logger.Error().Err(err).Msg("pprof endpoint")
			}
		}()
	}

	if cpuProfile != "" {
		if err := profiler.Start(frequency); err != nil {
			return err
		}
		logger.Debug().Int("hz", frequency).Msg("profiler started")
	}

	var runErr error
	host.Run(func() {
		if err := host.LoadModule(wasmName, wasmCode); err != nil {
			logger.Warn().Err(err).Msg("no code events for module")
		}

		wasi_snapshot_preview1.MustInstantiate(ctx, runtime)

		config := wazero.NewModuleConfig().
			WithStdout(os.Stdout).
			WithStderr(os.Stderr).
			WithStdin(os.Stdin).
			WithRandSource(rand.Reader).
			WithSysNanosleep().
			WithSysNanotime().
			WithSysWalltime().
			WithArgs(wasmName)

		instance, err := runtime.InstantiateModule(ctx, compiledModule, config)
		if err != nil {
			runErr = fmt.Errorf("instantiating module: %w", err)
			return
		}
		runErr = instance.Close(ctx)
	})

	profiler.Stop()
	host.Close()

	if cpuProfile != "" {
		profiler.ProcessSample()
		prof := profiler.Profile()
		logger.Info().
			Int("samples", len(prof.Samples)).
			Dur("duration", prof.Duration()).
			Str("path", cpuProfile).
			Msg("writing profile")
		if err := timeprof.WriteProfile(cpuProfile, timeprof.BuildProfile(prof)); err != nil {
			return fmt.Errorf("writing profile: %w", err)
		}
	}

	return runErr
}

func parseLabels(kvs []string) map[string]string {
	labels := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, _ := strings.Cut(kv, "=")
		labels[k] = v
	}
	return labels
}
