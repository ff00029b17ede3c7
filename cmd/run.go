// Copyright 2017 Pilosa Corp.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
// notice, this list of conditions and the following disclaimer in the
// documentation and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
// contributors may be used to endorse or promote products derived
// from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND
// CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES,
// INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF
// MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR
// CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING,
// BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY,
// WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
// NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH
// DAMAGE.

package cmd

import (
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jaffee/commandeer"
	"github.com/pilosa/pubsafe/pipeline"
	"github.com/pilosa/pubsafe/termstat"
	"github.com/spf13/cobra"
)

// RunMain is wrapped by NewRunCommand and only exported for testing purposes.
var RunMain *pipeline.Main

// NewRunCommand returns a new cobra command wrapping RunMain.
func NewRunCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	RunMain = pipeline.NewMain()
	var progress time.Duration
	runCommand := &cobra.Command{
		Use:   "run",
		Short: "fetch, normalize, transform, validate and publish every dataset",
		Long: `Runs the pipeline once. The staged snapshots and aggregation tables
are published only if every selected class passes validation; otherwise
the previously published content stays in place.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if progress > 0 {
				ts := termstat.NewCollector(stderr, progress)
				defer ts.Close()
				RunMain.Stats = ts
			}
			run, err := RunMain.Run(ctx)
			if run != nil {
				writeRun(stdout, run)
			}
			if err != nil {
				return err
			}
			cmd.Printf("Done: %v\n", run.Finished.Sub(run.Started).Round(time.Millisecond))
			return nil
		},
	}
	flags := runCommand.Flags()
	err := commandeer.Flags(flags, RunMain)
	if err != nil {
		panic(err)
	}
	flags.DurationVar(&progress, "progress", 0, "Write record counts to stderr at this interval. 0 disables.")
	configSections[runCommand] = validateSections("validate", &RunMain.Validate)
	return runCommand
}

func init() {
	subcommandFns["run"] = NewRunCommand
}
