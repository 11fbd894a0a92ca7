//go:build linux

package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// watchMask covers everything that can change the script set: files
// appearing, disappearing, being rewritten, or gaining the executable bit.
const watchMask = unix.IN_CREATE | unix.IN_MOVED_TO | unix.IN_CLOSE_WRITE |
	unix.IN_DELETE | unix.IN_MOVED_FROM | unix.IN_ATTRIB

// Watch runs an inotify loop over the script root and its subdirectories,
// invoking OnDirectoryChanged after each burst of filesystem events. It
// blocks until ctx is cancelled.
//
// Bursts are coalesced: after the first event the loop waits the settle
// delay and drains whatever else arrived before rescanning once. Watches
// for subdirectories created after startup are added on each rescan.
func (r *Registry) Watch(ctx context.Context) error {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("session: inotify_init1: %w", err)
	}
	defer unix.Close(fd)

	if err := r.addWatches(fd); err != nil {
		return err
	}

	buffer := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return nil
		}

		// poll(2) with a 100ms timeout keeps the loop responsive to
		// cancellation without spinning.
		pollFds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pollFds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("session: inotify poll: %w", err)
		}
		if n == 0 {
			continue
		}

		names, saw := r.drainEvents(fd, buffer)
		if !saw {
			continue
		}
		r.log.Debug("filesystem events", "names", names)

		// Let the burst finish (editors write-then-rename, archives unpack
		// file by file), then drain the stragglers and rescan once.
		select {
		case <-time.After(r.opts.settleDelay):
		case <-ctx.Done():
			return nil
		}
		r.drainEvents(fd, buffer)

		if err := r.OnDirectoryChanged(ctx); err != nil {
			r.log.Error("rescan after directory change failed", "error", err)
		}
		if err := r.addWatches(fd); err != nil {
			r.log.Error("refreshing directory watches failed", "error", err)
		}
	}
}

// addWatches (re-)registers a watch for the root and every subdirectory.
// Adding a watch for an already-watched directory is idempotent.
func (r *Registry) addWatches(fd int) error {
	return filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		if _, err := unix.InotifyAddWatch(fd, path, watchMask); err != nil {
			return fmt.Errorf("session: inotify_add_watch %s: %w", path, err)
		}
		return nil
	})
}

// drainEvents reads all currently pending inotify events, returning the
// file names they carry and whether any event was read at all (events on a
// watched directory itself carry no name).
func (r *Registry) drainEvents(fd int, buffer []byte) (names []string, saw bool) {
	for {
		n, err := unix.Read(fd, buffer)
		if err != nil || n <= 0 {
			return names, saw
		}
		saw = true
		names = append(names, parseInotifyNames(buffer[:n])...)
	}
}

// parseInotifyNames extracts the null-padded file names from a buffer of raw
// inotify events.
//
// Inotify event layout (from inotify(7)):
//
//	struct inotify_event {
//	    int32_t  wd;     // offset 0
//	    uint32_t mask;   // offset 4
//	    uint32_t cookie; // offset 8
//	    uint32_t len;    // offset 12
//	    char     name[]; // offset 16, padded to alignment
//	};
func parseInotifyNames(buffer []byte) []string {
	var names []string
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		nameLength := int(binary.NativeEndian.Uint32(buffer[offset+12 : offset+16]))
		eventSize := unix.SizeofInotifyEvent + nameLength
		if offset+eventSize > len(buffer) {
			break
		}
		if nameLength > 0 {
			nameBytes := buffer[offset+unix.SizeofInotifyEvent : offset+eventSize]
			if name := nullTerminatedString(nameBytes); name != "" {
				names = append(names, name)
			}
		}
		offset += eventSize
	}
	return names
}

// nullTerminatedString extracts a string from a null-padded byte slice,
// stopping at the first null byte.
func nullTerminatedString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
