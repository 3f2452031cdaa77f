package kvm

const (
	kvmGetAPIVersion   = 0x00
	kvmCreateVM        = 0x01
	kvmCheckExtension  = 0x03
	kvmCreateIRQChip   = 0x60
	kvmSetGSIRouting   = 0x6a
	kvmIRQFD           = 0x76
	kvmCreatePIT2      = 0x77
	kvmAPIVersionValue = 12
)

// GetAPIVersion returns the KVM API version; any kernel worth using reports 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CreateVM creates a vm and returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CheckExtension asks whether a capability is available. A positive result
// means yes; some capabilities report a limit instead of 1.
func CheckExtension(fd uintptr, c Capability) (uintptr, error) {
	return Ioctl(fd, IIO(kvmCheckExtension), uintptr(c))
}

// SupportedAPIVersion reports whether version matches the stable KVM API.
func SupportedAPIVersion(version uintptr) bool {
	return version == kvmAPIVersionValue
}
