package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"drlhp/pkg/drlhp"
)

func (a *app) bufferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buffer",
		Short: "Inspect and move stored preference snapshots",
	}
	cmd.AddCommand(a.bufferInspectCmd(), a.bufferExportCmd(), a.bufferImportCmd())
	return cmd
}

func (a *app) bufferInspectCmd() *cobra.Command {
	var (
		file    string
		asJSON  bool
		request drlhp.BufferRequest
	)
	cmd := &cobra.Command{
		Use:   "inspect [snapshot]",
		Short: "Summarize a stored snapshot or an exported preference file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				request.Name = args[0]
			}
			request.File = file
			client, _, err := a.client(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			summary, err := client.Buffer(cmd.Context(), request)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}
			printBufferSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "read an exported preference file instead of the store")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printBufferSummary(w io.Writer, s drlhp.BufferSummary) {
	fmt.Fprintf(w, "snapshot:     %s (%s)\n", s.Name, humanize.Bytes(uint64(s.Bytes)))
	fmt.Fprintf(w, "max prefs:    %s (val fraction %.2f)\n", humanize.Comma(int64(s.MaxPrefs)), s.ValFraction)
	printSplit(w, "train", s.Train, s.CapTrain)
	printSplit(w, "validation", s.Validation, s.CapVal)
}

func printSplit(w io.Writer, name string, s drlhp.SplitSummary, capacity int) {
	fmt.Fprintf(w, "%-13s %s / %s triples, %s frames\n", name+":",
		humanize.Comma(int64(s.Triples)), humanize.Comma(int64(capacity)), humanize.Comma(int64(s.Frames)))
	for _, label := range s.SortedLabels() {
		fmt.Fprintf(w, "  %-11s %s\n", label, humanize.Comma(int64(s.Labels[label])))
	}
}

func (a *app) bufferExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <snapshot> <file>",
		Short: "Write a stored snapshot to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.client(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.ExportBuffer(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			cmd.Printf("exported %s to %s\n", args[0], args[1])
			return nil
		},
	}
}

func (a *app) bufferImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file> <snapshot>",
		Short: "Store a preference file under a snapshot name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.client(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()
			summary, err := client.ImportBuffer(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			printBufferSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}
}
