// Package discover enumerates RDMA devices on the host. It combines the
// Mellanox/rdmamap device list, the infiniband sysfs class and netlink link
// state into one Device record per adapter.
package discover

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Mellanox/rdmamap"
	"github.com/vishvananda/netlink"

	"github.com/rocketbitz/verbs-go/verbs"
)

// DefaultSysfsRoot is the infiniband device class directory.
const DefaultSysfsRoot = "/sys/class/infiniband"

// ErrNoDevices is returned when the host has no RDMA devices.
var ErrNoDevices = errors.New("no RDMA devices found on the host")

// Port describes one physical port of a device.
type Port struct {
	Number    int    `json:"number"`
	State     string `json:"state"`
	PhysState string `json:"phys_state,omitempty"`
	LinkLayer string `json:"link_layer,omitempty"`
	LID       uint32 `json:"lid"`
	GID       string `json:"gid,omitempty"`
	Rate      string `json:"rate,omitempty"`
}

// Device is a discovered RDMA device.
type Device struct {
	Name        string   `json:"name"`
	NodeGUID    string   `json:"node_guid,omitempty"`
	NetDevs     []string `json:"netdevs,omitempty"`
	OperState   string   `json:"oper_state,omitempty"`
	MTU         int      `json:"mtu,omitempty"`
	CharDevices []string `json:"char_devices,omitempty"`
	Ports       []Port   `json:"ports"`
}

// Discoverer reads device information from sysfs.
type Discoverer struct {
	root        string
	list        func() []string
	charDevices func(string) []string
	linkByName  func(string) (netlink.Link, error)
}

// New returns a Discoverer backed by the host sysfs and netlink.
func New() *Discoverer {
	return &Discoverer{
		root:        DefaultSysfsRoot,
		list:        rdmamap.GetRdmaDeviceList,
		charDevices: rdmamap.GetRdmaCharDevices,
		linkByName:  netlink.LinkByName,
	}
}

// All returns every RDMA device sorted by name.
func (d *Discoverer) All() ([]Device, error) {
	names := d.list()
	if len(names) == 0 {
		return nil, ErrNoDevices
	}
	sort.Strings(names)
	devices := make([]Device, 0, len(names))
	for _, name := range names {
		dev, err := d.ByName(name)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// ByName reads one device. Missing optional attributes are left empty.
func (d *Discoverer) ByName(name string) (Device, error) {
	dir := filepath.Join(d.root, name)
	if _, err := os.Stat(dir); err != nil {
		return Device{}, fmt.Errorf("rdma device %q: %w", name, err)
	}
	dev := Device{
		Name:        name,
		NodeGUID:    readAttr(filepath.Join(dir, "node_guid")),
		CharDevices: d.charDevices(name),
	}

	ports, err := d.ports(dir)
	if err != nil {
		return Device{}, fmt.Errorf("rdma device %q: %w", name, err)
	}
	dev.Ports = ports

	if entries, err := os.ReadDir(filepath.Join(dir, "device", "net")); err == nil {
		for _, e := range entries {
			dev.NetDevs = append(dev.NetDevs, e.Name())
		}
	}
	if len(dev.NetDevs) > 0 && d.linkByName != nil {
		if link, err := d.linkByName(dev.NetDevs[0]); err == nil {
			attrs := link.Attrs()
			dev.OperState = attrs.OperState.String()
			dev.MTU = attrs.MTU
		}
	}
	return dev, nil
}

// ForNetdev resolves the RDMA device bound to a network interface.
func (d *Discoverer) ForNetdev(ifName string) (Device, error) {
	name, err := rdmamap.GetRdmaDeviceForNetdevice(ifName)
	if err != nil {
		return Device{}, fmt.Errorf("interface %q has no rdma device: %w", ifName, err)
	}
	return d.ByName(name)
}

func (d *Discoverer) ports(dir string) ([]Port, error) {
	entries, err := os.ReadDir(filepath.Join(dir, "ports"))
	if err != nil {
		return nil, err
	}
	ports := make([]Port, 0, len(entries))
	for _, e := range entries {
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		pdir := filepath.Join(dir, "ports", e.Name())
		p := Port{
			Number:    n,
			State:     stateName(readAttr(filepath.Join(pdir, "state"))),
			PhysState: stateName(readAttr(filepath.Join(pdir, "phys_state"))),
			LinkLayer: readAttr(filepath.Join(pdir, "link_layer")),
			GID:       readAttr(filepath.Join(pdir, "gids", "0")),
			Rate:      readAttr(filepath.Join(pdir, "rate")),
		}
		if lid := strings.TrimPrefix(readAttr(filepath.Join(pdir, "lid")), "0x"); lid != "" {
			if v, err := strconv.ParseUint(lid, 16, 32); err == nil {
				p.LID = uint32(v)
			}
		}
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Number < ports[j].Number })
	return ports, nil
}

// FromDevice describes an opened verbs device, including in-process ones
// that have no sysfs presence.
func FromDevice(dev *verbs.Device) Device {
	out := Device{Name: dev.Name()}
	for n := 1; n <= dev.Ports(); n++ {
		p := Port{Number: n, State: "ACTIVE"}
		if lid, err := dev.PortLID(uint8(n)); err == nil {
			p.LID = uint32(lid)
		}
		if gid, err := dev.GID(uint8(n)); err == nil {
			p.GID = gid.String()
		}
		out.Ports = append(out.Ports, p)
	}
	return out
}

// readAttr reads a sysfs attribute and trims whitespace.
func readAttr(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// stateName turns "4: ACTIVE" into "ACTIVE".
func stateName(raw string) string {
	if _, name, ok := strings.Cut(raw, ":"); ok {
		return strings.TrimSpace(name)
	}
	return raw
}
