package utils

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/hashicorp/go-multierror"
)

// IsRoot returns true when running with effective uid 0.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// ReexecAsRoot replaces the current process with `sudo -E <self> <args>`.
// If SUDO_USER is already set we came through sudo once and did not get root, so
// fail instead of looping.
func ReexecAsRoot(args []string) error {
	if os.Getenv("SUDO_USER") != "" {
		return errors.New("root privileges are required, run with sudo")
	}
	sudo, err := exec.LookPath("sudo")
	if err != nil {
		return fmt.Errorf("root privileges are required and sudo is not available: %w", err)
	}
	self, err := os.Executable()
	if err != nil {
		return err
	}
	argv := append([]string{"sudo", "-E", self}, args...)
	Log.Debug().Strs("argv", argv).Msg("Re-executing as root")
	return syscall.Exec(sudo, argv, os.Environ())
}

// MissingCommands checks that every command can be found with lookPath and
// returns one error listing all of the missing ones.
func MissingCommands(cmds []string, lookPath func(string) (string, error)) error {
	var result *multierror.Error
	for _, c := range cmds {
		if _, err := lookPath(c); err != nil {
			result = multierror.Append(result, fmt.Errorf("command not found: %s", c))
		}
	}
	return result.ErrorOrNil()
}

func CreateIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModePerm)
	}

	return nil
}

// CleanupSlice trims every element and drops the empty ones.
func CleanupSlice(slice []string) []string {
	var cleanSlice []string
	for _, item := range slice {
		if strings.TrimSpace(item) == "" {
			continue
		}
		cleanSlice = append(cleanSlice, strings.TrimSpace(item))
	}
	return cleanSlice
}

// UniqueSlice removes duplicated entries, keeping the first occurrence.
func UniqueSlice(slice []string) []string {
	keys := make(map[string]bool)
	var list []string
	for _, entry := range slice {
		if _, value := keys[entry]; !value {
			keys[entry] = true
			list = append(list, entry)
		}
	}
	return list
}
