package debugdetect

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

func detectDebuggerAttached() (bool, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return false, err
	}
	defer f.Close()
	pid, err := tracerPid(f)
	return pid != 0, err
}

// tracerPid returns the TracerPid field of a /proc/<pid>/status file.
func tracerPid(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		v, ok := strings.CutPrefix(scanner.Text(), "TracerPid:")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("malformed TracerPid: %w", err)
		}
		return pid, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("TracerPid field not found")
}
