// Package fault classifies I/O errors raised while recording.
//
// A disk fault means the local volume is gone or failing and every
// channel on it must stop. A network fault is the same for a NAS mount.
// Anything else, ENOSPC included, is a channel error: only the channel
// that hit it restarts.
package fault

import (
	"errors"
	"slices"
	"syscall"

	"golang.org/x/sys/unix"
)

// Class is the escalation class of an error.
type Class int

const (
	None Class = iota
	Channel
	Disk
	Network
)

func (c Class) String() string {
	switch c {
	case None:
		return "none"
	case Channel:
		return "channel"
	case Disk:
		return "disk"
	case Network:
		return "network"
	}
	return "unknown"
}

var diskErrnos = []syscall.Errno{
	unix.EIO,
	unix.ENXIO,
	unix.EROFS,
	unix.ENODEV,
	unix.ESHUTDOWN,
}

var networkErrnos = []syscall.Errno{
	unix.ENETDOWN,
	unix.ENETUNREACH,
	unix.ETIMEDOUT,
	unix.EACCES,
	unix.EHOSTUNREACH,
	unix.ESTALE,
}

// Classify maps err to its escalation class. nas tells whether the file
// lives on a network volume; on NAS every fault-class errno takes the
// network path and never the local-disk path.
func Classify(err error, nas bool) Class {
	if err == nil {
		return None
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return Channel
	}
	if slices.Contains(diskErrnos, errno) {
		if nas {
			return Network
		}
		return Disk
	}
	if nas && slices.Contains(networkErrnos, errno) {
		return Network
	}
	return Channel
}

// IsNoSpace reports whether err is ENOSPC.
func IsNoSpace(err error) bool {
	return errors.Is(err, unix.ENOSPC)
}
