package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/redteam/internal/apperr"
	"github.com/seantiz/redteam/internal/model"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		file    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run -f job.yaml",
		Short: "Submit a job from a file and wait for it to finish",
		Long: `Submit a job described in a YAML (or JSON) file, execute it and print the
final record.

Example:
  redteam run -f job.yaml --timeout 5m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			j, err := readJobFile(file)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			submitted, err := a.engine.Submit(cmd.Context(), j)
			if err != nil {
				return err
			}
			a.logger.Info("running job", "job_id", submitted.ID, "timeout", timeout)

			final, err := a.engine.Run(cmd.Context(), submitted.ID, timeout)
			if final != nil {
				if perr := printJSON(cmd.OutOrStdout(), final); perr != nil {
					return perr
				}
			}
			if apperr.IsTimeout(err) {
				// The execution keeps going; Close waits for its terminal write.
				a.logger.Warn("job timed out, waiting for execution to stop", "job_id", submitted.ID)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "job file (required)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "maximum time to wait (0 waits indefinitely)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// readJobFile decodes a job request. JSON is a subset of YAML, so both parse.
func readJobFile(path string) (*model.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}
	return parseJob(data)
}

func parseJob(data []byte) (*model.Job, error) {
	var j model.Job
	if err := yaml.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse job file: %w", err)
	}
	if j.NumberOfAttacks != nil && *j.NumberOfAttacks < 0 {
		return nil, fmt.Errorf("number_of_attacks must not be negative")
	}
	return &j, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
