package utils

import (
	"strings"

	"github.com/containerd/containerd/mount"
	"github.com/deniswernert/go-fstab"
)

// MountToFstab transforms a mount.Mount into a fstab.Mount so we can record it in the ledger file.
func MountToFstab(m mount.Mount) *fstab.Mount {
	opts := map[string]string{}
	for _, o := range m.Options {
		if strings.Contains(o, "=") {
			dat := strings.SplitN(o, "=", 2)
			opts[dat[0]] = dat[1]
		} else {
			opts[o] = ""
		}
	}
	return &fstab.Mount{
		Spec:    m.Source,
		VfsType: m.Type,
		MntOps:  opts,
		Freq:    0,
		PassNo:  0,
	}
}
