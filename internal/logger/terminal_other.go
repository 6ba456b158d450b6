//go:build !linux && !darwin && !freebsd

package logger

import "os"

func isTerminal(*os.File) bool { return false }
