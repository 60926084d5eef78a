// Command igpu-decode replays a recorded "intel_gpu_top -J" capture through
// the exporter's decoder and mapper. It is handy for checking how a given
// tool version's output ends up in the metrics.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/pflag"

	"github.com/skobkin/igpu-exporter/internal/gpu"
	"github.com/skobkin/igpu-exporter/internal/metrics"
	"github.com/skobkin/igpu-exporter/internal/telemetry"
	"github.com/skobkin/igpu-exporter/internal/version"
)

type options struct {
	file      string
	metrics   bool
	gpus      bool
	sysfsRoot string
	raw       bool
}

func parseFlags() (options, error) {
	opts := options{sysfsRoot: envOrDefault("APP_SYSFS_ROOT", "/sys")}

	flags := pflag.NewFlagSet("igpu-decode", pflag.ContinueOnError)
	flags.StringVarP(&opts.file, "file", "f", "-", "capture to read, - for stdin")
	flags.BoolVarP(&opts.metrics, "metrics", "m", false, "print the resulting exposition instead of readings")
	flags.BoolVar(&opts.raw, "raw", false, "print decoded samples as-is instead of mapped readings")
	flags.BoolVar(&opts.gpus, "gpus", false, "list discovered Intel GPUs and exit")
	flags.StringVar(&opts.sysfsRoot, "sysfs", opts.sysfsRoot, "path to sysfs root")
	flags.SortFlags = false

	if err := flags.Parse(os.Args[1:]); err != nil {
		return options{}, err
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if opts.gpus {
		if err := listGPUs(opts.sysfsRoot, logger); err != nil {
			logger.Error("gpu discovery failed", "err", err)
			os.Exit(1)
		}
		return
	}

	input, closeInput, err := openInput(opts.file)
	if err != nil {
		logger.Error("open capture", "err", err)
		os.Exit(1)
	}
	defer closeInput()

	if err := replay(input, os.Stdout, opts, logger); err != nil {
		logger.Error("replay failed", "err", err)
		os.Exit(1)
	}
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func replay(input io.Reader, out io.Writer, opts options, logger *slog.Logger) error {
	decoder := telemetry.NewDecoder()
	registry := metrics.NewRegistry()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	count := 0
	reader := bufio.NewReader(input)
	for {
		line, readErr := reader.ReadString('\n')
		for _, sample := range decoder.Feed(line) {
			count++
			reading := telemetry.NewReading(sample, time.Now())
			registry.Apply(reading)
			if opts.metrics {
				continue
			}
			var payload any = reading
			if opts.raw {
				payload = sample
			}
			if err := enc.Encode(payload); err != nil {
				return fmt.Errorf("encode sample %d: %w", count, err)
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				return fmt.Errorf("read capture: %w", readErr)
			}
			break
		}
	}

	if pending := decoder.Buffered(); pending > 0 {
		logger.Warn("capture ended with an incomplete object", "bytes", pending)
	}
	logger.Info("replay complete", "samples", count, "version", version.Current().Version)

	if opts.metrics {
		return writeExposition(out, registry)
	}
	return nil
}

func writeExposition(out io.Writer, registry *metrics.Registry) error {
	families, err := registry.Gatherer().Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return fmt.Errorf("write %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

func listGPUs(sysfsRoot string, logger *slog.Logger) error {
	infos, err := gpu.Discover(sysfsRoot, logger.With("component", "gpu_discovery"))
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("No Intel GPUs detected")
		return nil
	}
	fmt.Println("Discovered Intel GPUs:")
	for _, info := range infos {
		fmt.Printf("- %s (PCI: %s, PCIID: %s, Driver: %s, Render: %s, Name: %s)\n",
			info.ID, info.PCI, info.PCIID, info.Driver, info.RenderNode, info.Name)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
