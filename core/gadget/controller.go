// Package gadget configures the configfs-based USB mass-storage gadget
// function that makes an NBD device visible to the attached host as a
// removable drive.
package gadget

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/log"

	"github.com/openbmc-project/virtual-media/core/nbd"
)

// Root is the configfs mount point for USB gadgets. Overridable in tests.
var Root = "/sys/kernel/config/usb_gadget"

// UDCRoot lists available USB device controllers. Overridable in tests.
var UDCRoot = "/sys/class/udc"

// Controller manages the disjoint, per-slot region of the gadget
// filesystem. Idempotence is not required: the state machine only ever
// calls Remove from a transition that already knows a gadget is configured
// (spec.md §4.4).
type Controller struct{}

// New returns a Controller. It carries no state: every operation is keyed
// by the slot name passed in, so a single Controller is safe to share
// across every slot in the daemon (each slot owns a disjoint configfs
// subtree, named after itself).
func New() *Controller {
	return &Controller{}
}

// Configure creates (or updates, for the rw flag) the mass-storage gadget
// function for slot bound to dev, and activates it so the host enumerates
// it. It returns a non-nil error on any configfs write failure; the caller
// maps that to device_or_resource_busy per spec.md §7.
func (c *Controller) Configure(slot string, dev nbd.Device, rw bool) error {
	dir := c.gadgetDir(slot)
	funcDir := filepath.Join(dir, "functions", "mass_storage.usb0")
	lunDir := filepath.Join(funcDir, "lun.0")

	for _, d := range []string{dir, funcDir, lunDir, filepath.Join(dir, "configs", "c.1")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("gadget: mkdir %s: %w", d, err)
		}
	}

	writes := []struct {
		path, value string
	}{
		{filepath.Join(lunDir, "file"), dev.String()},
		{filepath.Join(lunDir, "removable"), "1"},
		{filepath.Join(lunDir, "ro"), boolStr(!rw)},
	}
	for _, w := range writes {
		if err := os.WriteFile(w.path, []byte(w.value), 0o644); err != nil {
			return fmt.Errorf("gadget: write %s: %w", w.path, err)
		}
	}

	link := filepath.Join(dir, "configs", "c.1", "mass_storage.usb0")
	if _, err := os.Lstat(link); os.IsNotExist(err) {
		if err := os.Symlink(funcDir, link); err != nil {
			return fmt.Errorf("gadget: link function into config: %w", err)
		}
	}

	udcList, err := os.ReadDir(UDCRoot)
	if err != nil || len(udcList) == 0 {
		return fmt.Errorf("gadget: no UDC available to bind %s", slot)
	}
	if err := os.WriteFile(filepath.Join(dir, "UDC"), []byte(udcList[0].Name()), 0o644); err != nil {
		return fmt.Errorf("gadget: bind UDC: %w", err)
	}

	log.L.WithField("slot", slot).WithField("device", dev.String()).Info("gadget: configured")
	return nil
}

// Remove unbinds and tears down slot's gadget directory entirely.
func (c *Controller) Remove(slot string) error {
	dir := c.gadgetDir(slot)

	if err := os.WriteFile(filepath.Join(dir, "UDC"), []byte(""), 0o644); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("gadget: unbind UDC: %w", err)
	}

	link := filepath.Join(dir, "configs", "c.1", "mass_storage.usb0")
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("gadget: unlink function: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("gadget: remove gadget dir: %w", err)
	}

	log.L.WithField("slot", slot).Info("gadget: removed")
	return nil
}

func (c *Controller) gadgetDir(slot string) string {
	return filepath.Join(Root, "virtualmedia-"+slot)
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
