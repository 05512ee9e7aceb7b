// Package procutil inspects the Linux process table via /proc.
package procutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// procRoot is the proc filesystem mount point.
var procRoot = "/proc"

// ReadComm reads the process name from /proc/<pid>/comm.
// Returns empty string on error.
func ReadComm(pid int32) string {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/comm", procRoot, pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// readStatFields parses /proc/<pid>/stat and returns the fields after ") ".
// Format: "pid (comm) state ppid pgrp session ..."
// Returns nil on error.
func readStatFields(pid int32) []string {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", procRoot, pid))
	if err != nil {
		return nil
	}
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return nil
	}
	return strings.Fields(s[i+2:])
}

// ReadPGID reads the process group from /proc/<pid>/stat.
// Returns 0 on any error.
func ReadPGID(pid int32) int32 {
	return statField(pid, 2)
}

// statField returns field i (0 = state) as a number.
func statField(pid int32, i int) int32 {
	fields := readStatFields(pid)
	if len(fields) <= i {
		return 0
	}
	n, err := strconv.ParseInt(fields[i], 10, 32)
	if err != nil {
		return 0
	}
	return int32(n)
}

// IsZombie reports whether pid has exited but not been reaped.
func IsZombie(pid int32) bool {
	fields := readStatFields(pid)
	return len(fields) > 0 && fields[0] == "Z"
}

// FindByComm returns the PIDs of live processes named comm.
func FindByComm(comm string) []int32 {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil
	}
	var pids []int32
	for _, e := range entries {
		n, err := strconv.ParseInt(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		pid := int32(n)
		if ReadComm(pid) == comm && !IsZombie(pid) {
			pids = append(pids, pid)
		}
	}
	return pids
}

// IsRunning reports whether a live process named comm exists.
func IsRunning(comm string) bool {
	return len(FindByComm(comm)) > 0
}
