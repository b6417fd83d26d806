//go:build linux

package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/BSteffaniak/nethogspp/internal/app"
	"github.com/BSteffaniak/nethogspp/internal/model"
	"github.com/BSteffaniak/nethogspp/internal/throttle"
	"github.com/BSteffaniak/nethogspp/internal/trafficclass"
	"github.com/BSteffaniak/nethogspp/pkg/system/util"
	"github.com/BSteffaniak/nethogspp/pkg/types"
)

type cliOpts struct {
	pid             int
	downloadLimit   string
	uploadLimit     string
	trafficClass    string
	duration        int
	uploadBackend   string
	downloadBackend string
	socketMapper    string
	listBackends    bool
	restore         bool
	noSave          bool
	bpfAttachMethod string
	configFile      string
	statePath       string
	interfaces      []string
	interval        time.Duration

	csvPath  string
	jsonPath string
}

func main() {
	var o cliOpts

	root := &cobra.Command{
		Use:   "nethogspp",
		Short: "Per-process bandwidth monitor and throttle",
		Long: `nethogspp attributes network traffic to the process that generated it
and can throttle a process's upload and/or download rate on Linux.

Examples:
  nethogspp --pid 1234 --upload-limit 1.5M --duration 60
  nethogspp --list-backends`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), o)
		},
	}

	root.Flags().IntVar(&o.pid, "pid", 0, "enter non-interactive mode and throttle this pid")
	root.Flags().StringVar(&o.downloadLimit, "download-limit", "", "download rate limit, e.g. 1.5M")
	root.Flags().StringVar(&o.uploadLimit, "upload-limit", "", "upload rate limit, e.g. 500K")
	root.Flags().StringVar(&o.trafficClass, "traffic-class", "all", "restrict the limit to a traffic class: all|internet|local")
	root.Flags().IntVar(&o.duration, "duration", 0, "non-interactive mode duration in seconds (0 = until interrupted)")
	root.Flags().StringVar(&o.uploadBackend, "upload-backend", "", "explicit upload backend name")
	root.Flags().StringVar(&o.downloadBackend, "download-backend", "", "explicit download backend name")
	root.Flags().StringVar(&o.socketMapper, "socket-mapper", "", "explicit socket-to-pid mapper name")
	root.Flags().BoolVar(&o.listBackends, "list-backends", false, "print backend tables and exit")
	root.Flags().BoolVar(&o.restore, "restore", false, "restore throttles from the persisted state file")
	root.Flags().BoolVar(&o.noSave, "no-save", false, "do not persist state on exit")
	root.Flags().StringVar(&o.bpfAttachMethod, "bpf-attach-method", "auto", "in-kernel backend attach mode: auto|link|legacy")
	root.Flags().StringVar(&o.configFile, "config", "", "optional YAML defaults file for backend preferences")
	root.Flags().StringVar(&o.statePath, "state-file", "", "override the persisted state file path")
	root.Flags().StringSliceVar(&o.interfaces, "interface", nil, "interfaces to capture on (default: all non-loopback up interfaces)")
	root.Flags().DurationVar(&o.interval, "interval", time.Second, "tick interval for monitor-mode rate display")
	root.Flags().StringVar(&o.csvPath, "csv", "", "write per-tick rows to CSV file (monitor mode; not written with --pid)")
	root.Flags().StringVar(&o.jsonPath, "json", "", "write per-tick rows to JSON file (monitor mode; not written with --pid)")

	if env := os.Getenv("NETHOGSPP_BPF_ATTACH_METHOD"); env != "" {
		o.bpfAttachMethod = env
	}

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, o cliOpts) error {
	cfg := app.DefaultConfig()
	cfg.Interfaces = o.interfaces
	cfg.UploadBackend = o.uploadBackend
	cfg.DownloadBackend = o.downloadBackend
	cfg.SocketMapper = o.socketMapper
	cfg.SampleInterval = o.interval
	if o.statePath != "" {
		cfg.StatePath = o.statePath
	}

	if o.configFile != "" {
		if err := app.LoadYAMLDefaults(o.configFile, &cfg); err != nil {
			return err
		}
	}

	mode, err := app.ParseAttachMethod(o.bpfAttachMethod)
	if err != nil {
		return err
	}
	cfg.BPFAttachMethod = mode

	a, err := app.New(cfg)
	if err != nil {
		return err
	}

	if o.listBackends {
		printBackendTable(a.Coordinator)
		return nil
	}

	host, kernel, cpus, mem := util.SystemSummary()
	fmt.Printf(consoleBanner, host, kernel, cpus, mem, time.Now().Format("2006-01-02 15:04:05"))

	if o.restore {
		st, err := app.LoadState(cfg.StatePath)
		if err != nil {
			return err
		}
		for _, rerr := range a.Restore(st) {
			slog.Warn("restore", "err", rerr)
		}
	}

	if err := a.Start(); err != nil {
		return err
	}

	if o.pid != 0 {
		return runExternalMode(ctx, a, cfg, o)
	}

	return runMonitorMode(ctx, a, cfg, o)
}

// runExternalMode is spec.md §4.11's non-interactive driver: one pid, one
// or two limits, an optional duration.
func runExternalMode(ctx context.Context, a *app.App, cfg app.Config, o cliOpts) error {
	var limit model.ThrottleLimit
	if o.downloadLimit != "" {
		b, err := types.ParseBytes(o.downloadLimit)
		if err != nil {
			return err
		}
		limit.DownloadBps = b.ToUint64()
	}
	if o.uploadLimit != "" {
		b, err := types.ParseBytes(o.uploadLimit)
		if err != nil {
			return err
		}
		limit.UploadBps = b.ToUint64()
	}
	if !limit.HasUpload() && !limit.HasDownload() {
		return fmt.Errorf("--pid requires --download-limit and/or --upload-limit")
	}
	class, err := trafficclass.ParseClass(o.trafficClass)
	if err != nil {
		return err
	}
	limit.Class = class

	err = app.RunExternal(ctx, a, o.pid, limit, time.Duration(o.duration)*time.Second)
	closeErr := a.Close()

	if !o.noSave {
		if serr := app.SaveState(cfg.StatePath, a.SnapshotState()); serr != nil {
			slog.Warn("save state", "err", serr)
		}
	}

	if err != nil {
		return err
	}
	return closeErr
}

// runMonitorMode drives the capture monitor's tick loop for scripting use
// (--csv/--json), with the same signal/ticker shape as the external mode
// and the teacher's cmd/consumption/main.go.
func runMonitorMode(ctx context.Context, a *app.App, cfg app.Config, o cliOpts) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("close", "err", err)
		}
		if !o.noSave {
			if err := app.SaveState(cfg.StatePath, a.SnapshotState()); err != nil {
				slog.Warn("save state", "err", err)
			}
		}
	}()

	var csvW *csv.Writer
	var csvF *os.File
	if o.csvPath != "" {
		if err := os.MkdirAll(filepath.Dir(o.csvPath), 0o755); err == nil {
			if f, err := os.Create(o.csvPath); err == nil {
				csvF = f
				csvW = csv.NewWriter(f)
				_ = csvW.Write([]string{"time", "pid", "name", "rx_rate", "tx_rate", "interface"})
				csvW.Flush()
			}
		}
		defer func() {
			if csvW != nil {
				csvW.Flush()
			}
			if csvF != nil {
				_ = csvF.Close()
			}
		}()
	}

	var jsonF *os.File
	writeN := 0
	if o.jsonPath != "" {
		if err := os.MkdirAll(filepath.Dir(o.jsonPath), 0o755); err == nil {
			if f, err := os.Create(o.jsonPath); err == nil {
				jsonF = f
				_, _ = jsonF.WriteString("[\n")
			}
		}
		defer func() {
			if jsonF != nil {
				_, _ = jsonF.WriteString("\n]\n")
				_ = jsonF.Close()
			}
		}()
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tNAME\tRX/s\tTX/s\tIFACE")
	fmt.Fprintln(tw, "---\t----\t----\t----\t-----")
	tw.Flush()

	refreshTicker := time.NewTicker(time.Second)
	defer refreshTicker.Stop()
	sampleTicker := time.NewTicker(cfg.SampleInterval)
	defer sampleTicker.Stop()

	var now float64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-refreshTicker.C:
			if err := a.RefreshSockets(); err != nil {
				slog.Warn("refresh sockets", "err", err)
			}
		case <-sampleTicker.C:
			now += cfg.SampleInterval.Seconds()
			snap := a.Tick(now)
			printSnapshot(tw, snap)
			writeSnapshotFiles(csvW, jsonF, &writeN, snap)
		}
	}
}

func printSnapshot(tw *tabwriter.Writer, snap model.Snapshot) {
	processes := append([]model.Process(nil), snap.Processes...)
	sort.Slice(processes, func(i, j int) bool { return processes[i].TxRate+processes[i].RxRate > processes[j].TxRate+processes[j].RxRate })
	for _, p := range processes {
		for iface := range p.InterfaceBytes {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", p.PID, p.Name,
				types.ToBytes(p.RxRate).HumanizedRate(), types.ToBytes(p.TxRate).HumanizedRate(), iface)
		}
	}
	tw.Flush()
}

func writeSnapshotFiles(csvW *csv.Writer, jsonF *os.File, writeN *int, snap model.Snapshot) {
	now := time.Now().Format(time.RFC3339)
	for _, p := range snap.Processes {
		if csvW != nil {
			_ = csvW.Write([]string{
				now, strconv.Itoa(p.PID), p.Name,
				strconv.FormatUint(p.RxRate, 10), strconv.FormatUint(p.TxRate, 10), "",
			})
			csvW.Flush()
		}
		if jsonF != nil {
			b, _ := json.MarshalIndent(p, "  ", "  ")
			if *writeN > 0 {
				_, _ = jsonF.WriteString(",\n")
			}
			_, _ = jsonF.Write(b)
			*writeN++
		}
	}
}

func printBackendTable(c *throttle.Coordinator) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DIRECTION\tNAME\tPRIORITY\tAVAILABLE\tACTIVE")
	fmt.Fprintln(tw, "---------\t----\t--------\t---------\t------")
	for _, e := range c.AllDescriptors() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%v\n", e.Direction, e.Descriptor.Name, e.Descriptor.Priority, e.Available, e.Active)
	}
	tw.Flush()
}

const consoleBanner = `nethogspp - Per-Process Bandwidth Monitor & Throttle

       Host: %s
       Kernel: %s
       CPUs: %s
       Mem: %s

Session started %s:

`
