//go:build linux

package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/BSteffaniak/nethogspp/internal/model"
	"github.com/BSteffaniak/nethogspp/pkg/system/procutil"
)

// RunExternal implements spec.md §4.11's non-interactive driver: resolve
// pid's name, apply limit via the coordinator, then wait for duration (or
// forever) or an interrupt signal, whichever comes first, removing the
// throttle and cleaning up on either exit.
//
// Following the teacher's cmd/consumption/main.go signal handling
// (signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)) and its
// ticker/select loop shape, generalized from a sampling loop to a single
// wait-then-teardown sequence.
func RunExternal(ctx context.Context, a *App, pid int, limit model.ThrottleLimit, duration time.Duration) error {
	if !procutil.Exists(pid) {
		return fmt.Errorf("app: pid %d does not exist", pid)
	}
	name, err := procutil.ReadComm(pid)
	if err != nil {
		name = ""
	}

	res, err := a.Coordinator.Throttle(pid, limit)
	if err != nil {
		return fmt.Errorf("app: throttle pid %d (%s): %w", pid, name, err)
	}
	if !res.UploadApplied && !res.DownloadApplied {
		return fmt.Errorf("app: throttle pid %d (%s): no direction applied (upload=%v download=%v)",
			pid, name, res.UploadErr, res.DownloadErr)
	}
	if limit.HasUpload() && !res.UploadApplied {
		slog.Warn("upload limit not applied", "pid", pid, "name", name, "err", res.UploadErr)
	}
	if limit.HasDownload() && !res.DownloadApplied {
		slog.Warn("download limit not applied", "pid", pid, "name", name, "err", res.DownloadErr)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	<-ctx.Done()
	slog.Info("stopping", "pid", pid, "name", name)

	var teardownErrs []error
	if err := a.Coordinator.Remove(pid); err != nil {
		teardownErrs = append(teardownErrs, err)
	}
	if err := a.Coordinator.Cleanup(); err != nil {
		teardownErrs = append(teardownErrs, err)
	}
	if len(teardownErrs) > 0 {
		return fmt.Errorf("app: teardown: %v", teardownErrs)
	}
	return nil
}
