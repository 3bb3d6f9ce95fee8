// Copyright 2023 Tetrate
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

// Package cmd is the command-line wiring of the analyzer.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/tetratelabs/diving/api"
	"github.com/tetratelabs/diving/internal/analyzer"
	"github.com/tetratelabs/diving/internal/blob"
	"github.com/tetratelabs/diving/internal/config"
	"github.com/tetratelabs/diving/internal/reference"
	"github.com/tetratelabs/diving/internal/server"
)

// validationError is a marker of a validation error vs an execution one.
type validationError struct {
	string
}

// Error implements the error interface.
func (e *validationError) Error() string {
	return e.string
}

// Run handles all error logging and coding so that no other place needs to.
func Run(ctx context.Context, stdout, stderr io.Writer, args []string) int {
	app := newApp()
	app.Writer = stdout
	app.ErrWriter = stderr
	if err := app.RunContext(ctx, args); err != nil {
		if _, ok := err.(*validationError); ok {
			fmt.Fprintln(stderr, err) //nolint
			logUsageError(app.Name, stderr)
		} else {
			fmt.Fprintln(stderr, "error:", err) //nolint
		}
		return 1
	}
	return 0
}

func logUsageError(name string, stderr io.Writer) {
	fmt.Fprintln(stderr, "show usage with:", name, "help") //nolint
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "diving",
		Usage:     "diving analyzes how each layer of a container image spends its bytes",
		ArgsUsage: "[image]",
		Flags:     flags(),
		HideHelp:  true,
		OnUsageError: func(c *cli.Context, err error, isSub bool) error {
			return &validationError{err.Error()}
		},
		Before: func(c *cli.Context) error {
			return validateMode(c.String(flagMode))
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	store, err := blob.NewStore(cfg.LayerDir())
	if err != nil {
		return api.WrapError(err, api.CategoryBlob)
	}
	ttl, err := cfg.TTL()
	if err != nil {
		return err
	}
	if removed, _ := store.Sweep(ttl); removed > 0 {
		logrus.WithField("removed", removed).Info("swept expired layers")
	}
	a := analyzer.New(store, cfg.Threads)

	if c.String(flagMode) == modeWeb {
		return serveWeb(c, a, store)
	}

	image := c.Args().First()
	if image == "" {
		return &validationError{"image argument is required in terminal mode"}
	}
	ref, err := reference.Parse(image)
	if err != nil {
		return &validationError{err.Error()}
	}
	result, err := a.Analyze(c.Context, ref)
	if err != nil {
		return err
	}
	summary := result.Summary()

	if outputFile := c.String(flagOutputFile); outputFile != "" || os.Getenv("CI") == "true" {
		if err := writeReport(c.App.Writer, outputFile, result); err != nil {
			return err
		}
		policy, err := cfg.Policy()
		if err != nil {
			return err
		}
		if check := policy.Check(summary); !check.Pass {
			return fmt.Errorf("failed checks: %s", strings.Join(check.Failures, ", "))
		}
		return nil
	}

	printResult(c.App.Writer, result, summary)
	return nil
}

func serveWeb(c *cli.Context, a *analyzer.Analyzer, store *blob.Store) error {
	listen := c.String(flagListen)
	logrus.WithField("listen", listen).Info("starting web server")
	s := &http.Server{Addr: listen, Handler: server.New(a, store).Handler()}
	go func() {
		<-c.Context.Done()
		s.Close() //nolint
	}()
	if err := s.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeReport(stdout io.Writer, outputFile string, result *api.AnalysisResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if outputFile == "" {
		_, err = fmt.Fprintln(stdout, string(data))
		return err
	}
	return os.WriteFile(outputFile, data, 0o644)
}

func printResult(w io.Writer, result *api.AnalysisResult, summary api.Summary) {
	fmt.Fprintf(w, "%s %s/%s\n", result.Name, result.OS, result.Arch)                 //nolint
	fmt.Fprintf(w, "size: %s", units.HumanSize(float64(result.Size)))                 //nolint
	fmt.Fprintf(w, " unpacked: %s\n\n", units.HumanSize(float64(result.TotalSize)))   //nolint
	fmt.Fprintf(w, "%-10s %-12s %s\n", "SIZE", "DIGEST", "COMMAND")                   //nolint
	for _, layer := range result.Layers {
		digest := layer.Digest
		if len(digest) > 19 {
			digest = digest[:19]
		}
		fmt.Fprintf(w, "%-10s %-12s %s\n", units.HumanSize(float64(layer.Size)), digest, layer.Cmd) //nolint
	}
	fmt.Fprintf(w, "\nscore: %d wasted: %s (%.2f%%)\n", //nolint
		summary.Score, units.HumanSize(float64(summary.WastedSize)), summary.WastedPercent*100)
	for _, wasted := range summary.WastedList {
		fmt.Fprintf(w, "%-10s %3d %s\n", units.HumanSize(float64(wasted.TotalSize)), wasted.Count, wasted.Path) //nolint
	}
}
