package discover

import (
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// PrintTable renders one row per device port.
func PrintTable(w io.Writer, devices []Device) {
	table := tablewriter.NewTable(w)
	table.Header("DEVICE", "PORT", "STATE", "LINK LAYER", "LID", "GID", "NETDEV")
	for _, dev := range devices {
		netdev := strings.Join(dev.NetDevs, ", ")
		if netdev == "" {
			netdev = "(none)"
		}
		if len(dev.Ports) == 0 {
			table.Append(dev.Name, "-", "(unknown)", "(unknown)", "-", "-", netdev)
			continue
		}
		for _, p := range dev.Ports {
			table.Append(dev.Name, strconv.Itoa(p.Number), orUnknown(p.State), orUnknown(p.LinkLayer),
				"0x"+strconv.FormatUint(uint64(p.LID), 16), orDash(p.GID), netdev)
		}
	}
	table.Render()
}

// PrintJSON renders devices as indented JSON.
func PrintJSON(w io.Writer, devices []Device) error {
	if devices == nil {
		devices = []Device{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(devices)
}

func orUnknown(s string) string {
	if s == "" {
		return "(unknown)"
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
