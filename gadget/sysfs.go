// SPDX-License-Identifier: Apache-2.0

package gadget

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	Sys         = "/sys"
	sysClassUDC = "class/udc"
)

// UDC states as reported by the state attribute.
const (
	UDCStateNotAttached = "not attached"
	UDCStateConfigured  = "configured"
	UDCStateSuspended   = "suspended"
)

// WriteFunc writes data to a sysfs attribute given relative to the sysfs root.
type WriteFunc func(path string, data string) error

// OSWriter returns a WriteFunc that writes below root on the real filesystem.
func OSWriter(root string) WriteFunc {
	return func(p string, data string) error {
		f, err := os.OpenFile(filepath.Join(root, p), os.O_WRONLY, 0)
		if err != nil {
			return errors.Wrapf(err, "failed to open %s for writing", p)
		}
		defer func(f *os.File) {
			_ = f.Close()
		}(f)

		if _, err = f.WriteString(data); err != nil {
			return errors.Wrapf(err, "failed to write command to %s", p)
		}
		return nil
	}
}

func udcSysPath(name string) string {
	return path.Join(sysClassUDC, name)
}

// ListUDCs returns the names of the device controllers known to sysfs.
func ListUDCs(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, sysClassUDC)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read udc class directory")
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

// SysfsUDC is a Gadget backed by the UDC class in sysfs.
// Writing to the srp attribute makes the kernel issue usb_gadget_wakeup.
type SysfsUDC struct {
	fsys   fs.FS
	name   string
	write  WriteFunc
	logger log.Logger
}

func NewSysfsUDC(fsys fs.FS, name string, write WriteFunc, logger log.Logger) (*SysfsUDC, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if _, err := fs.Stat(fsys, udcSysPath(name)); err != nil {
		return nil, errors.Wrapf(err, "udc %s not found", name)
	}
	return &SysfsUDC{
		fsys:   fsys,
		name:   name,
		write:  write,
		logger: logger,
	}, nil
}

func (u *SysfsUDC) Name() string {
	return u.name
}

func (u *SysfsUDC) readAttribute(attributeName string) (string, error) {
	content, err := fs.ReadFile(u.fsys, path.Join(udcSysPath(u.name), attributeName))
	if err != nil {
		return "", errors.Wrapf(err, "failed to read udc attribute %s", attributeName)
	}
	return strings.TrimSpace(string(content)), nil
}

func (u *SysfsUDC) State() (string, error) {
	return u.readAttribute("state")
}

func (u *SysfsUDC) Speed() (string, error) {
	return u.readAttribute("current_speed")
}

// Wakeup requests remote wakeup. The host only honours it while the link is configured
// or suspended, so other states are reported as ErrNotReady.
func (u *SysfsUDC) Wakeup() error {
	state, err := u.State()
	if err != nil {
		return err
	}
	if state != UDCStateConfigured && state != UDCStateSuspended {
		return errors.Wrapf(ErrNotReady, "udc %s is in state %q", u.name, state)
	}
	_ = level.Info(u.logger).Log("msg", "requesting remote wakeup", "udc", u.name, "state", state)
	return u.write(path.Join(udcSysPath(u.name), "srp"), "1")
}
