package cmd

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/dvrs/internal/observability"
	"github.com/xkilldash9x/dvrs/internal/store"
	"github.com/xkilldash9x/dvrs/internal/vuln"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newRecordCmd() *cobra.Command {
	recordCmd := &cobra.Command{
		Use:   "record <id>",
		Short: "Prints the most recent saved record whose filename contains id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := store.New(cfg.Scraper.DataDir, observability.GetLogger()).Load(args[0])
			if err != nil {
				return err
			}
			var v interface{}
			if err := rec.Decode(&v); err != nil {
				return fmt.Errorf("record %s is not valid JSON: %w", rec.Name, err)
			}
			return printJSON(cmd, v)
		},
	}
	recordCmd.Flags().String("data-dir", "", "Directory records are read from. (Overrides config/env)")
	return recordCmd
}

func newCVEsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cves <findings.json>",
		Short: "Lists the CVE ids referenced by a findings file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			findings, err := readFindings(args[0])
			if err != nil {
				return err
			}
			for _, id := range vuln.ExtractCVEs(findings) {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

// readFindings accepts a bare findings array, {"findings": [...]}, or a scan log {"data": {"findings": [...]}}.
func readFindings(path string) ([]vuln.Finding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read findings file: %w", err)
	}

	var list []vuln.Finding
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var doc struct {
		Findings []vuln.Finding `json:"findings"`
		Data     struct {
			Findings []vuln.Finding `json:"findings"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse findings file %s: %w", path, err)
	}
	if len(doc.Findings) > 0 {
		return doc.Findings, nil
	}
	return doc.Data.Findings, nil
}

// printJSON writes v to the command's stdout as indented JSON.
func printJSON(cmd *cobra.Command, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
