package kvm

import (
	"errors"

	"golang.org/x/sys/unix"
)

const (
	ioctlNone  = 0x0
	ioctlWrite = 0x1
	ioctlRead  = 0x2

	ioctlNRBits   = 8
	ioctlTypeBits = 8
	ioctlSizeBits = 14

	ioctlNRShift   = 0
	ioctlTypeShift = ioctlNRShift + ioctlNRBits
	ioctlSizeShift = ioctlTypeShift + ioctlTypeBits
	ioctlDirShift  = ioctlSizeShift + ioctlSizeBits

	// kvmIO is the ioctl type shared by every KVM request (KVMIO in linux/kvm.h).
	kvmIO = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<ioctlDirShift | kvmIO<<ioctlTypeShift | nr<<ioctlNRShift | size<<ioctlSizeShift
}

// IIO builds a KVM request number which carries no argument.
func IIO(nr uintptr) uintptr {
	return ioc(ioctlNone, nr, 0)
}

// IIOW builds a KVM request number which passes a struct of size bytes to the kernel.
func IIOW(nr, size uintptr) uintptr {
	return ioc(ioctlWrite, nr, size)
}

// IIOR builds a KVM request number which reads a struct of size bytes from the kernel.
func IIOR(nr, size uintptr) uintptr {
	return ioc(ioctlRead, nr, size)
}

// IIOWR builds a KVM request number which both passes and reads a struct.
func IIOWR(nr, size uintptr) uintptr {
	return ioc(ioctlRead|ioctlWrite, nr, size)
}

// Ioctl issues a raw ioctl, restarting it when interrupted by a signal.
// The Go runtime preempts goroutines with SIGURG, so EINTR is routine here.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == 0 {
			return res, nil
		}

		if errors.Is(errno, unix.EINTR) {
			continue
		}

		return res, errno
	}
}
