package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pkt.systems/imgd/internal/sniff"
)

func newSniffCommand() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "sniff FILE...",
		Short: "Report the detected image format of files the way uploads are classified",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tFORMAT\tMIME\tSUPPORTED")
			unsupported := 0
			for _, path := range args {
				format, err := sniffFile(path)
				if err != nil {
					return err
				}
				if !format.Supported() {
					unsupported++
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", path, format, format.MIMEType(), format.Supported())
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if strict && unsupported > 0 {
				return fmt.Errorf("%d of %d files would be rejected", unsupported, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any file would be rejected")
	return cmd
}

func sniffFile(path string) (sniff.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return sniff.Unsupported, err
	}
	defer f.Close()
	format, _, err := sniff.SniffReader(f)
	if err != nil {
		return sniff.Unsupported, fmt.Errorf("sniff %s: %w", path, err)
	}
	return format, nil
}
