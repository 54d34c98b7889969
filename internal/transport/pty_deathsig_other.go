//go:build !linux && !windows

package transport

import "syscall"

func setPtyDeathSignal(attr *syscall.SysProcAttr) {}
