package schema

import (
	"fmt"
	"strings"
)

// KernelStatus is the lifecycle state of a kernel connection.
type KernelStatus int

const (
	// KernelUnknown is the status before anything was reported.
	KernelUnknown KernelStatus = iota
	// KernelStarting is reported while the kernel boots.
	KernelStarting
	// KernelIdle means the kernel is waiting for requests.
	KernelIdle
	// KernelBusy means the kernel is executing a request.
	KernelBusy
	// KernelRestarting is reported while the kernel restarts.
	KernelRestarting
	// KernelDead means the kernel is gone and accepts nothing.
	KernelDead
)

var kernelStatusNames = [...]string{
	KernelUnknown:    "unknown",
	KernelStarting:   "starting",
	KernelIdle:       "idle",
	KernelBusy:       "busy",
	KernelRestarting: "restarting",
	KernelDead:       "dead",
}

func (s KernelStatus) String() string {
	if s < 0 || int(s) >= len(kernelStatusNames) {
		return fmt.Sprintf("KernelStatus(%d)", int(s))
	}
	return kernelStatusNames[s]
}

// ParseKernelStatus maps a wire name to a status.
func ParseKernelStatus(value string) (KernelStatus, error) {
	name := strings.ToLower(strings.TrimSpace(value))
	for i, candidate := range kernelStatusNames {
		if candidate == name {
			return KernelStatus(i), nil
		}
	}
	return KernelUnknown, fmt.Errorf("unknown kernel status %q", value)
}

// MarshalText implements encoding.TextMarshaler.
func (s KernelStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *KernelStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseKernelStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// StatusEvent reports a status transition of a kernel.
type StatusEvent struct {
	KernelID KernelID
	Previous KernelStatus
	Status   KernelStatus
}
