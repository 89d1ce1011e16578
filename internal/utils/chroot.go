/*
Copyright © 2022 SUSE LLC
Copyright © 2023 Kairos authors
Copyright © 2026 Oyo authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

// Binder performs the bind mounts a chroot needs. The mount ledger implements it so
// every chroot mount is also recorded for cleanup at exit.
type Binder interface {
	Bind(src, dst string) error
	Unmount(dst string) error
}

// Chroot represents the struct that will allow us to run commands inside a given chroot.
type Chroot struct {
	path          string
	console       Console
	binder        Binder
	defaultMounts []string
	activeMounts  []string
}

func NewChroot(path string, console Console, binder Binder) *Chroot {
	return &Chroot{
		path:          path,
		console:       console,
		binder:        binder,
		defaultMounts: []string{"/proc", "/sys", "/dev"},
		activeMounts:  []string{},
	}
}

// Prepare will mount the defaultMounts as bind mounts, to be ready when we run chroot.
func (c *Chroot) Prepare() error {
	var err error

	if len(c.activeMounts) > 0 {
		return errors.New("there are already active mountpoints for this instance")
	}

	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	for _, mnt := range c.defaultMounts {
		mountPoint := filepath.Join(c.path, mnt)
		err = c.binder.Bind(mnt, mountPoint)
		if err != nil {
			Log.Err(err).Str("where", mountPoint).Str("what", mnt).Msg("Mounting chroot bind")
			return err
		}
		c.activeMounts = append(c.activeMounts, mountPoint)
	}

	return nil
}

// Close will unmount all active mounts created in Prepare on reverse order.
func (c *Chroot) Close() error {
	failures := []string{}
	for len(c.activeMounts) > 0 {
		curr := c.activeMounts[len(c.activeMounts)-1]
		Log.Debug().Str("what", curr).Msg("Unmounting from chroot")
		c.activeMounts = c.activeMounts[:len(c.activeMounts)-1]
		if err := c.binder.Unmount(curr); err != nil {
			Log.Err(err).Str("what", curr).Msg("Error unmounting")
			failures = append(failures, curr)
		}
	}
	if len(failures) > 0 {
		c.activeMounts = failures
		return fmt.Errorf("failed closing chroot environment. Unmount failures: %v", failures)
	}
	return nil
}

// RunCallback runs the given callback with the default mounts in place, unless
// they were already prepared by the caller.
func (c *Chroot) RunCallback(callback func() error) (err error) {
	if len(c.activeMounts) == 0 {
		err = c.Prepare()
		if err != nil {
			Log.Err(err).Msg("Can't mount default mounts")
			return err
		}
		defer func() {
			tmpErr := c.Close()
			if err == nil {
				err = tmpErr
			}
		}()
	}
	return callback()
}

// Run executes a command inside the chroot.
func (c *Chroot) Run(ctx context.Context, args ...string) error {
	err := c.console.Run(ctx, "chroot", append([]string{c.path}, args...)...)
	if err != nil {
		Log.Err(err).Strs("cmd", args).Str("chroot", c.path).Msg("Cant run command on chroot")
	}
	return err
}

// Shell executes a shell snippet inside the chroot.
func (c *Chroot) Shell(ctx context.Context, script string) error {
	return c.Run(ctx, "sh", "-c", script)
}
