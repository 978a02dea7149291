// Package imagefile is a Delegate that writes an image file to a destination device or file.
package imagefile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/guseggert/imagewriter/protocol"
	"github.com/guseggert/imagewriter/task"
	"go.uber.org/zap"
)

const defaultChunkSize = 1 << 20

type Writer struct {
	Log *zap.SugaredLogger

	// ChunkSize is the size of each write. Progress is reported at most once per chunk.
	ChunkSize int

	// MountTable is the mount table consulted when unmounting, /proc/self/mounts by default.
	MountTable string
	// Unmount unmounts one mount point. Defaults to unmount(2).
	Unmount func(mountPoint string) error

	now func() time.Time
}

func New(log *zap.Logger) *Writer {
	return &Writer{
		Log:        log.Named("imagefile").Sugar(),
		ChunkSize:  defaultChunkSize,
		MountTable: "/proc/self/mounts",
		Unmount:    unmount,
		now:        time.Now,
	}
}

var _ task.Delegate = (*Writer)(nil)

func (w *Writer) Write(ctx context.Context, p task.Params, progress task.ProgressFunc) (protocol.Result, error) {
	src, err := os.Open(p.Image)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("opening image: %w", err)
	}
	defer src.Close()
	fi, err := src.Stat()
	if err != nil {
		return protocol.Result{}, fmt.Errorf("reading image size: %w", err)
	}
	total := uint64(fi.Size())

	dst, err := os.OpenFile(p.Device, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("opening device: %w", err)
	}
	defer dst.Close()

	sum := sha256.New()
	written, err := w.copy(ctx, dst, io.TeeReader(src, sum), total, protocol.PhaseWriting, progress)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("writing image: %w", err)
	}
	if dfi, err := dst.Stat(); err == nil && dfi.Mode().IsRegular() {
		// a regular file destination may have held a larger image before
		if err := dst.Truncate(int64(written)); err != nil {
			return protocol.Result{}, fmt.Errorf("truncating destination: %w", err)
		}
	}
	err = dst.Sync()
	if err != nil {
		return protocol.Result{}, fmt.Errorf("syncing device: %w", err)
	}

	res := protocol.Result{
		BytesWritten: written,
		Checksum:     hex.EncodeToString(sum.Sum(nil)),
	}
	w.Log.Debugw("wrote image", "Bytes", written, "Checksum", res.Checksum)

	if p.Options.ValidateOnSuccess {
		err := w.validate(ctx, p.Device, written, res.Checksum, progress)
		if err != nil {
			return protocol.Result{}, err
		}
		res.Validated = true
	}

	if p.Options.UnmountOnSuccess {
		err := w.unmountAll(p.Device, progress)
		if err != nil {
			return protocol.Result{}, fmt.Errorf("unmounting %q: %w", p.Device, err)
		}
		res.Unmounted = true
	}

	return res, nil
}

func (w *Writer) validate(ctx context.Context, device string, size uint64, expected string, progress task.ProgressFunc) error {
	f, err := os.Open(device)
	if err != nil {
		return fmt.Errorf("opening device for validation: %w", err)
	}
	defer f.Close()

	sum := sha256.New()
	_, err = w.copy(ctx, sum, io.LimitReader(f, int64(size)), size, protocol.PhaseValidating, progress)
	if err != nil {
		return fmt.Errorf("validating: %w", err)
	}
	got := hex.EncodeToString(sum.Sum(nil))
	if got != expected {
		return &protocol.TaskError{
			Kind:    protocol.TaskErrorValidation,
			Message: fmt.Sprintf("checksum mismatch on %s: wrote %s, read back %s", device, expected, got),
		}
	}
	return nil
}

// copy copies r to dst in chunks, reporting progress for phase after every chunk.
func (w *Writer) copy(ctx context.Context, dst io.Writer, r io.Reader, total uint64, phase protocol.Phase, progress task.ProgressFunc) (uint64, error) {
	chunk := w.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	buf := make([]byte, chunk)
	start := w.now()
	var done uint64

	report := func() {
		state := protocol.ProgressState{
			Phase:        phase,
			Percent:      100,
			BytesWritten: done,
			TotalBytes:   total,
		}
		if total > 0 {
			state.Percent = float64(done) / float64(total) * 100
			if state.Percent > 100 {
				state.Percent = 100
			}
		}
		if elapsed := w.now().Sub(start).Seconds(); elapsed > 0 {
			speed := float64(done) / elapsed
			state.Speed = &speed
			if speed > 0 && total >= done {
				eta := float64(total-done) / speed
				state.ETA = &eta
			}
		}
		progress(state)
	}

	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return done, err
			}
			done += uint64(n)
			report()
		}
		if rerr == io.EOF {
			if done == 0 {
				report()
			}
			return done, nil
		}
		if rerr != nil {
			return done, rerr
		}
	}
}
