package model

import (
	"runtime"
	"strings"
)

// Family is an operating system family the model ships executables for.
type Family string

const (
	FamilyWindows Family = "windows"
	FamilyMacOS   Family = "macos"
	FamilyLinux   Family = "linux"
	FamilyUnknown Family = "unknown"
)

// DefaultExecutable is the logical name of the SWAT binary inside a deployment.
const DefaultExecutable = "swat/swat_rel64"

// CurrentFamily reports the family of the running host.
func CurrentFamily() Family {
	return FamilyOf(runtime.GOOS)
}

// FamilyOf maps a GOOS value onto a Family.
func FamilyOf(goos string) Family {
	switch strings.ToLower(strings.TrimSpace(goos)) {
	case "windows":
		return FamilyWindows
	case "darwin":
		return FamilyMacOS
	case "linux":
		return FamilyLinux
	default:
		return FamilyUnknown
	}
}

// Suffix returns the executable suffix for f. ok is false for FamilyUnknown,
// whose executables carry no suffix.
func Suffix(f Family) (suffix string, ok bool) {
	switch f {
	case FamilyWindows:
		return "_win.exe", true
	case FamilyMacOS:
		return "_osx", true
	case FamilyLinux:
		return "_linux", true
	default:
		return "", false
	}
}

// ExecutableName maps a logical executable name to the concrete file name
// shipped for f.
func ExecutableName(logical string, f Family) (name string, ok bool) {
	suffix, ok := Suffix(f)
	return logical + suffix, ok
}
