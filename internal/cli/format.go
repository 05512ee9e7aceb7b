package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/ugorji/go/codec"
)

// jsonHandle encodes with the json struct tags and sorted map keys.
var jsonHandle = func() *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.TypeInfos = codec.NewTypeInfos([]string{"json"})
	h.Canonical = true
	h.HTMLCharsAsIs = true
	return h
}()

// Formatter outputs data in various formats.
type Formatter struct {
	w      io.Writer
	asJSON bool
}

// NewFormatter creates a new formatter.
func NewFormatter(w io.Writer, asJSON bool) *Formatter {
	return &Formatter{w: w, asJSON: asJSON}
}

func (f *Formatter) encode(v interface{}) error {
	if err := codec.NewEncoder(f.w, jsonHandle).Encode(v); err != nil {
		return err
	}
	_, err := io.WriteString(f.w, "\n")
	return err
}

// FormatDevices outputs devices as a table.
func (f *Formatter) FormatDevices(devices []DeviceView) error {
	if f.asJSON {
		return f.encode(devices)
	}

	if len(devices) == 0 {
		fmt.Fprintln(f.w, "No devices")
		return nil
	}

	fmt.Fprintf(f.w, "%-10s  %-17s  %-8s  %-7s  %-13s  %s\n", "NAME", "ADDRESS", "MODE", "POWERED", "STATE", "PATH")
	fmt.Fprintf(f.w, "%-10s  %-17s  %-8s  %-7s  %-13s  %s\n", "----------", "-----------------", "--------", "-------", "-------------", "----")
	for _, d := range devices {
		fmt.Fprintf(f.w, "%-10s  %-17s  %-8s  %-7s  %-13s  %s\n",
			truncate(d.Name, 10), d.Address, d.Mode, yesNo(d.Powered), orDash(d.State), d.Path)
	}
	return nil
}

// FormatNetworks outputs scan results in the daemon's order.
func (f *Formatter) FormatNetworks(networks []NetworkView) error {
	if f.asJSON {
		return f.encode(networks)
	}

	if len(networks) == 0 {
		fmt.Fprintln(f.w, "No networks")
		return nil
	}

	fmt.Fprintf(f.w, "%-32s  %-7s  %10s  %s\n", "SSID", "TYPE", "SIGNAL", "CONNECTED")
	fmt.Fprintf(f.w, "%-32s  %-7s  %10s  %s\n", "--------------------------------", "-------", "----------", "---------")
	for _, n := range networks {
		fmt.Fprintf(f.w, "%-32s  %-7s  %10s  %s\n", truncate(n.Name, 32), n.Type, formatSignal(n.Signal), yesNo(n.Connected))
	}
	return nil
}

// FormatKnown outputs stored network profiles sorted by name.
func (f *Formatter) FormatKnown(known []KnownView) error {
	sorted := append([]KnownView(nil), known...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	if f.asJSON {
		return f.encode(sorted)
	}

	if len(sorted) == 0 {
		fmt.Fprintln(f.w, "No known networks")
		return nil
	}

	fmt.Fprintf(f.w, "%-32s  %-7s  %-6s  %-11s  %s\n", "SSID", "TYPE", "HIDDEN", "AUTOCONNECT", "LAST CONNECTED")
	fmt.Fprintf(f.w, "%-32s  %-7s  %-6s  %-11s  %s\n", "--------------------------------", "-------", "------", "-----------", "--------------")
	for _, k := range sorted {
		last := "never"
		if k.LastConnected != nil {
			last = formatAgo(*k.LastConnected)
		}
		fmt.Fprintf(f.w, "%-32s  %-7s  %-6s  %-11s  %s\n", truncate(k.Name, 32), k.Type, yesNo(k.Hidden), yesNo(k.AutoConnect), last)
	}
	return nil
}

// FormatEvent outputs one registry event.
func (f *Formatter) FormatEvent(ev EventView) error {
	if f.asJSON {
		return f.encode(ev)
	}
	fmt.Fprintf(f.w, "%s  %-7s  %-10s  %s\n", ev.Time.Format(time.TimeOnly), ev.Type, ev.Role, ev.Path)
	return nil
}

// FormatDump outputs the object tree. It is always JSON.
func (f *Formatter) FormatDump(dump DumpView) error {
	return f.encode(dump)
}

// FormatAction outputs an action result.
func (f *Formatter) FormatAction(action, target string) error {
	if f.asJSON {
		return f.encode(map[string]string{
			"status": action,
			"target": target,
		})
	}
	fmt.Fprintf(f.w, "%s: %s\n", target, action)
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatSignal renders 100*dBm as dBm.
func formatSignal(signal int16) string {
	return fmt.Sprintf("%.1f dBm", float64(signal)/100)
}

func formatAgo(t time.Time) string {
	ago := time.Since(t).Round(time.Second)
	if ago < 0 {
		return "just now"
	}
	return ago.String() + " ago"
}
