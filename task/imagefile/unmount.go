package imagefile

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/guseggert/imagewriter/protocol"
	"github.com/guseggert/imagewriter/task"
	"golang.org/x/sys/unix"
)

func unmount(mountPoint string) error {
	return unix.Unmount(mountPoint, 0)
}

// mountPoints returns the mount points whose source is device or one of its partitions.
func mountPoints(table, device string) ([]string, error) {
	f, err := os.Open(table)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var points []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		source := unescapeMount(fields[0])
		if source == device || isPartitionOf(source, device) {
			points = append(points, unescapeMount(fields[1]))
		}
	}
	return points, scanner.Err()
}

// isPartitionOf matches /dev/sdx1 to /dev/sdx and /dev/mmcblk0p1 to /dev/mmcblk0.
func isPartitionOf(source, device string) bool {
	rest, ok := strings.CutPrefix(source, device)
	if !ok || rest == "" {
		return false
	}
	rest = strings.TrimPrefix(rest, "p")
	_, err := strconv.Atoi(rest)
	return err == nil
}

// unescapeMount decodes the octal escapes the kernel uses for whitespace in the mount table.
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func (w *Writer) unmountAll(device string, progress task.ProgressFunc) error {
	points, err := mountPoints(w.MountTable, device)
	if err != nil {
		return fmt.Errorf("reading mount table: %w", err)
	}
	for i, p := range points {
		w.Log.Debugw("unmounting", "MountPoint", p)
		if err := w.Unmount(p); err != nil {
			return fmt.Errorf("unmounting %q: %w", p, err)
		}
		progress(protocol.ProgressState{
			Phase:   protocol.PhaseUnmounting,
			Percent: float64(i+1) / float64(len(points)) * 100,
		})
	}
	if len(points) == 0 {
		progress(protocol.ProgressState{Phase: protocol.PhaseUnmounting, Percent: 100})
	}
	return nil
}
