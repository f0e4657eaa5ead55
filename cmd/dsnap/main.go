// Command dsnap requests one snapshot of a Data Hub resource tree and
// writes the encoded result to a file or stdout. Grounded on the
// teacher's single-purpose cmd/main.go (one binary, one job, flags
// parsed once at startup) but using github.com/spf13/pflag directly
// rather than cobra, since spec.md §6 calls for getopt-style short
// flags on a single command rather than a multi-verb CLI (that shape
// belongs to cmd/dhub instead).
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"datahub/internal/app"
	"datahub/internal/snapshot"
	derrors "datahub/pkg/errors"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "dsnap:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if derrors.Is(err, derrors.CodeBusy) {
		return 2
	}
	return 1
}

func run(args []string) error {
	fs := pflag.NewFlagSet("dsnap", pflag.ContinueOnError)
	format := fs.StringP("format", "f", "json", "output format (json, json+gzip, json+zstd)")
	since := fs.StringP("since", "s", "0", "only report changes after this timestamp, or \"auto\" for the last recorded watermark")
	path := fs.StringP("path", "p", "/", "root path to snapshot")
	output := fs.StringP("output", "o", "", "output file (default stdout)")
	configFile := fs.StringP("config", "c", "", "path to the Data Hub config file")
	flushDeletions := fs.Bool("flush-deletions", false, "clear deletion records after a successful snapshot")
	if err := fs.Parse(args); err != nil {
		return err
	}

	h, err := app.New(*configFile)
	if err != nil {
		return err
	}
	if err := h.Start(); err != nil {
		return err
	}
	defer h.Stop()

	w := os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	base, compression := splitFormat(*format)
	if base != "json" {
		return fmt.Errorf("unsupported format %q", base)
	}

	sinceTS, err := parseSince(*since)
	if err != nil {
		return err
	}

	req := snapshot.Request{
		Root:           *path,
		Since:          sinceTS,
		Writer:         w,
		Formatter:      snapshot.NewJSONFormatter(true),
		FlushDeletions: *flushDeletions,
		Compression:    compression,
	}

	status, err := h.Snapshot.RunWithWatermark(h.Watermarks(), req)
	if err != nil {
		return fmt.Errorf("%s: %w", status, err)
	}
	return nil
}

func splitFormat(format string) (base, compression string) {
	parts := strings.SplitN(format, "+", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func parseSince(s string) (float64, error) {
	if s == "auto" {
		return -1, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid --since value %q: %w", s, err)
	}
	return v, nil
}
