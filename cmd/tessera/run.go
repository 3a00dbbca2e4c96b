// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jllopis/tessera/pkg/capability"
	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/orchestrator"
	"github.com/jllopis/tessera/pkg/planner"
	"github.com/jllopis/tessera/pkg/sandbox"
)

type runFlags struct {
	Pipeline []string
	Start    string
	Goal     string
	Input    string
	Output   string
}

type stepSummary struct {
	Index        int           `json:"index"`
	AgentID      string        `json:"agent_id"`
	Status       string        `json:"status"`
	Attempts     int           `json:"attempts"`
	FuelConsumed uint64        `json:"fuel_consumed"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

type runSummary struct {
	RunID      string        `json:"run_id"`
	Pipeline   []string      `json:"pipeline"`
	Status     string        `json:"status"`
	FailedStep int           `json:"failed_step,omitempty"`
	Steps      []stepSummary `json:"steps"`
	OutputRef  string        `json:"output_ref,omitempty"`
	// Output is set in JSON mode when no output file was given.
	Output []byte `json:"output,omitempty"`
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a pipeline on an input",
		Example: `  tessera run --pipeline ocr,summarize --input scan.jpg
  tessera run --start image@jpg --goal summary --input scan.jpg --output summary.txt`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := f.validate(); err != nil {
				return err
			}
			input, err := readInput(cmd.InOrStdin(), f.Input)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := newExecRuntime(ctx, a.cfg, a.logger, false)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			var res *orchestrator.RunResult
			var runErr error
			if len(f.Pipeline) > 0 {
				res, runErr = rt.orch.Execute(ctx, planner.Pipeline{AgentIDs: f.Pipeline}, input)
			} else {
				req := planner.Request{Start: capability.MustParse(f.Start), Goal: capability.MustParse(f.Goal)}
				res, runErr = rt.orch.PlanAndExecute(ctx, rt.holder.Load(), req, input)
			}
			if res == nil {
				return runErr
			}

			summary := summarize(res)
			if res.Status == orchestrator.StatusCompleted {
				if f.Output != "" && f.Output != "-" {
					if err := os.WriteFile(f.Output, res.Output, 0o644); err != nil {
						return errors.New(errors.CodeInternal, "write output", err).WithContext("path", f.Output)
					}
				} else if a.flags.JSON {
					summary.Output = res.Output
				} else {
					if _, err := cmd.OutOrStdout().Write(res.Output); err != nil {
						return err
					}
				}
			}
			if a.flags.JSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(summary); err != nil {
					return err
				}
			} else {
				printSummary(cmd.ErrOrStderr(), summary)
			}
			return runErr
		},
	}
	fl := cmd.Flags()
	fl.StringSliceVar(&f.Pipeline, "pipeline", nil, "Comma-separated agent ids to run in order")
	fl.StringVar(&f.Start, "start", "", "Start capability; plans the pipeline with --goal")
	fl.StringVar(&f.Goal, "goal", "", "Goal capability")
	fl.StringVarP(&f.Input, "input", "i", "-", "Input file, - for stdin")
	fl.StringVarP(&f.Output, "output", "o", "-", "Output file, - for stdout")
	return cmd
}

func (f runFlags) validate() error {
	hasPipeline := len(f.Pipeline) > 0
	hasGoal := f.Start != "" || f.Goal != ""
	switch {
	case hasPipeline && hasGoal:
		return newInvalidArgumentError("--pipeline", "use either --pipeline or --start and --goal")
	case !hasPipeline && !hasGoal:
		return newInvalidArgumentError("--pipeline", "a pipeline or --start and --goal are required")
	case hasGoal && (f.Start == "" || f.Goal == ""):
		return newInvalidArgumentError("--goal", "--start and --goal go together")
	}
	for _, id := range f.Pipeline {
		if strings.TrimSpace(id) == "" {
			return newInvalidArgumentError("--pipeline", "empty agent id")
		}
	}
	if hasGoal {
		if _, err := capability.Parse(f.Start); err != nil {
			return newInvalidArgumentError("--start", err.Error())
		}
		if _, err := capability.Parse(f.Goal); err != nil {
			return newInvalidArgumentError("--goal", err.Error())
		}
	}
	return nil
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	var (
		b   []byte
		err error
	)
	if path == "" || path == "-" {
		b, err = io.ReadAll(io.LimitReader(stdin, sandbox.MaxPayload+1))
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "read input", err).WithContext("path", path)
	}
	if len(b) > sandbox.MaxPayload {
		return nil, errors.Newf(errors.CodeInvalidInput, "input is %d bytes; the limit is %d", len(b), sandbox.MaxPayload)
	}
	return b, nil
}

func summarize(res *orchestrator.RunResult) runSummary {
	s := runSummary{
		RunID:      res.RunID,
		Pipeline:   res.Pipeline.AgentIDs,
		Status:     string(res.Status),
		FailedStep: res.FailedStep,
		Steps:      make([]stepSummary, 0, len(res.Steps)),
	}
	for _, st := range res.Steps {
		ss := stepSummary{
			Index:        st.Index,
			AgentID:      st.AgentID,
			Status:       string(st.Status),
			Attempts:     st.Attempts,
			FuelConsumed: st.FuelConsumed,
			Duration:     st.Duration,
		}
		if st.Err != nil {
			ss.Error = st.Err.Error()
		}
		s.Steps = append(s.Steps, ss)
	}
	if res.Status == orchestrator.StatusCompleted {
		s.OutputRef = orchestrator.OutputRef(res.Output)
	}
	return s
}

func printSummary(w io.Writer, s runSummary) {
	fmt.Fprintf(w, "\nrun %s: %s\n", s.RunID, s.Status)
	for _, st := range s.Steps {
		fmt.Fprintf(w, "  %d. %-20s %-9s fuel=%d attempts=%d %s\n",
			st.Index, st.AgentID, st.Status, st.FuelConsumed, st.Attempts, st.Duration.Round(time.Microsecond))
		if st.Error != "" {
			fmt.Fprintf(w, "     %s\n", st.Error)
		}
	}
}
