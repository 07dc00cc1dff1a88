package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/livinlefevreloca/perfqueue/internal/api"
)

// runFile is the YAML form of an ad-hoc run request
type runFile struct {
	ID            string         `yaml:"id"`
	Account       string         `yaml:"account"`
	Controller    string         `yaml:"controller"`
	Scenario      string         `yaml:"scenario"`
	Configuration map[string]any `yaml:"configuration"`
}

func newSubmitCmd(opts *options) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Enqueue an ad-hoc run described in a YAML file",
		Example: `  perfqueue submit -f run.yaml
  perfqueue submit -f run.yaml --server http://perfqueue.internal:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := loadRunFile(file)
			if err != nil {
				return err
			}

			data, err := newClient(opts.serverURL).do(cmd.Context(), http.MethodPost, "/api/v1/runs", body)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", gjson.GetBytes(data, "id").String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file describing the run")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// loadRunFile reads a YAML run description and renders it as the JSON body
// of an enqueue request
func loadRunFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}

	var rf runFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse run file: %w", err)
	}
	if rf.Account == "" || rf.Controller == "" {
		return nil, fmt.Errorf("run file %s: account and controller are required", path)
	}

	req := api.EnqueueRequest{
		ID:         rf.ID,
		Account:    rf.Account,
		Controller: rf.Controller,
		Scenario:   rf.Scenario,
	}
	if rf.Configuration != nil {
		cfg, err := json.Marshal(rf.Configuration)
		if err != nil {
			return nil, fmt.Errorf("run file %s: configuration is not JSON compatible: %w", path, err)
		}
		req.Configuration = cfg
	}

	return json.Marshal(req)
}
