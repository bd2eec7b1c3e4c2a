package debugdetect

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// P_TRACED from sys/proc.h
const pTraced = 0x00000800

func detectDebuggerAttached() (bool, error) {
	kp, err := unix.SysctlKinfoProc("kern.proc.pid", os.Getpid())
	if err != nil {
		return false, fmt.Errorf("sysctl kern.proc.pid: %w", err)
	}
	return kp.Proc.P_flag&pTraced != 0, nil
}
