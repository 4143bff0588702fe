package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
)

// TableFormatter formats VM entries as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatVM formats a single VM entry as a table row.
func (f *TableFormatter) FormatVM(vm v1.VirtualMachineDebugInfo) (string, error) {
	return f.FormatVMList([]v1.VirtualMachineDebugInfo{vm})
}

// FormatVMList formats VM entries as a table.
func (f *TableFormatter) FormatVMList(vms []v1.VirtualMachineDebugInfo) (string, error) {
	if len(vms) == 0 {
		return "No VMs found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "CID\tNAME\tSTATE\tPROTECTED\tUID\tPID\tAGE")
	}

	for _, vm := range vms {
		name := vm.Name
		if name == "" {
			name = "-"
		}
		state := string(vm.State)
		if state == "" {
			state = "-"
		}

		// Age counts from start; VMs never started have none.
		age := "-"
		if !vm.StartTime.IsZero() {
			age = formatAge(time.Since(vm.StartTime.Time))
		}

		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%d\t%d\t%s\n",
			vm.CID, name, state, vm.Protected, vm.RequesterUID, vm.RequesterPID, age)
	}

	_ = w.Flush()
	return buf.String(), nil
}

// formatAge formats a duration as a human-readable age string.
// Examples: "5s", "2m", "3h", "4d", "2w", "1y"
func formatAge(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}

	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}

	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}

	days := hours / 24
	if days < 7 {
		return fmt.Sprintf("%dd", days)
	}

	weeks := days / 7
	if weeks < 8 {
		return fmt.Sprintf("%dw", weeks)
	}

	years := days / 365
	if years > 0 {
		return fmt.Sprintf("%dy", years)
	}
	return fmt.Sprintf("%dd", days)
}
