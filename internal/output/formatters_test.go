package output

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
)

// testVM creates a VM debug entry for testing.
func testVM(cid uint32, name string, state v1.VirtualMachineState, started bool) v1.VirtualMachineDebugInfo {
	vm := v1.VirtualMachineDebugInfo{
		CID:                cid,
		Name:               name,
		TemporaryDirectory: "/var/lib/kiln/tmp/" + name,
		RequesterUID:       1000,
		RequesterPID:       4242,
		State:              state,
	}
	if started {
		vm.StartTime = v1.NewTime(time.Now().Add(-5 * time.Minute))
	}
	return vm
}

func TestTableFormatter_FormatVM(t *testing.T) {
	tests := []struct {
		name      string
		vm        v1.VirtualMachineDebugInfo
		wantName  string
		wantState string
		wantAge   string
	}{
		{
			name:      "running VM",
			vm:        testVM(10, "test-vm", v1.StateStarted, true),
			wantName:  "test-vm",
			wantState: "STARTED",
			wantAge:   "5m",
		},
		{
			name:      "VM never started",
			vm:        testVM(11, "idle-vm", v1.StateNotStarted, false),
			wantName:  "idle-vm",
			wantState: "NOT_STARTED",
			wantAge:   "-",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			formatter := &TableFormatter{}
			output, err := formatter.FormatVM(tt.vm)
			if err != nil {
				t.Fatalf("FormatVM() error = %v", err)
			}

			lines := strings.Split(strings.TrimSpace(output), "\n")
			if len(lines) != 2 {
				t.Fatalf("expected header and one row, got: %s", output)
			}
			fields := strings.Fields(lines[1])
			if fields[1] != tt.wantName {
				t.Errorf("name = %q, want %q", fields[1], tt.wantName)
			}
			if fields[2] != tt.wantState {
				t.Errorf("state = %q, want %q", fields[2], tt.wantState)
			}
			if fields[len(fields)-1] != tt.wantAge {
				t.Errorf("age = %q, want %q", fields[len(fields)-1], tt.wantAge)
			}
		})
	}
}

func TestTableFormatter_FormatVMList(t *testing.T) {
	tests := []struct {
		name       string
		vms        []v1.VirtualMachineDebugInfo
		noHeaders  bool
		wantCount  int
		wantHeader bool
	}{
		{
			name:      "empty list",
			vms:       nil,
			wantCount: 0,
		},
		{
			name:       "single VM",
			vms:        []v1.VirtualMachineDebugInfo{testVM(10, "vm1", v1.StateReady, true)},
			wantCount:  1,
			wantHeader: true,
		},
		{
			name: "multiple VMs",
			vms: []v1.VirtualMachineDebugInfo{
				testVM(10, "vm1", v1.StateReady, true),
				testVM(11, "vm2", v1.StateDead, true),
				testVM(12, "", v1.StateNotStarted, false),
			},
			wantCount:  3,
			wantHeader: true,
		},
		{
			name:       "no headers",
			vms:        []v1.VirtualMachineDebugInfo{testVM(10, "vm1", v1.StateReady, true)},
			noHeaders:  true,
			wantCount:  1,
			wantHeader: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			formatter := &TableFormatter{NoHeaders: tt.noHeaders}
			output, err := formatter.FormatVMList(tt.vms)
			if err != nil {
				t.Fatalf("FormatVMList() error = %v", err)
			}

			if tt.wantCount == 0 {
				if !strings.Contains(output, "No VMs found") {
					t.Errorf("expected 'No VMs found' message, got: %s", output)
				}
				return
			}

			hasHeader := strings.Contains(output, "CID") && strings.Contains(output, "STATE")
			if tt.wantHeader && !hasHeader {
				t.Errorf("expected header in output, got: %s", output)
			}
			if !tt.wantHeader && hasHeader {
				t.Errorf("expected no header in output, got: %s", output)
			}

			lines := strings.Split(strings.TrimSpace(output), "\n")
			expectedLines := tt.wantCount
			if tt.wantHeader {
				expectedLines++
			}
			if len(lines) != expectedLines {
				t.Errorf("expected %d lines, got %d: %s", expectedLines, len(lines), output)
			}
		})
	}
}

func TestYAMLFormatter_FormatVM(t *testing.T) {
	vm := testVM(10, "test-vm", v1.StateStarted, true)
	vm.Protected = true

	output, err := (&YAMLFormatter{}).FormatVM(vm)
	if err != nil {
		t.Fatalf("FormatVM() error = %v", err)
	}

	for _, field := range []string{
		"cid: 10",
		"name: test-vm",
		"temporaryDirectory: /var/lib/kiln/tmp/test-vm",
		"requesterUid: 1000",
		"requesterPid: 4242",
		"state: STARTED",
		"protectedVm: true",
		"startTime:",
	} {
		if !strings.Contains(output, field) {
			t.Errorf("output missing required field %q: %s", field, output)
		}
	}
}

func TestYAMLFormatter_FormatVMList(t *testing.T) {
	tests := []struct {
		name      string
		vms       []v1.VirtualMachineDebugInfo
		wantEmpty bool
	}{
		{
			name:      "empty list",
			wantEmpty: true,
		},
		{
			name: "single VM",
			vms:  []v1.VirtualMachineDebugInfo{testVM(10, "vm1", v1.StateReady, true)},
		},
		{
			name: "multiple VMs",
			vms: []v1.VirtualMachineDebugInfo{
				testVM(10, "vm1", v1.StateReady, true),
				testVM(11, "vm2", v1.StateDead, false),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := (&YAMLFormatter{}).FormatVMList(tt.vms)
			if err != nil {
				t.Fatalf("FormatVMList() error = %v", err)
			}

			if tt.wantEmpty {
				if output != "" {
					t.Errorf("expected empty output, got: %s", output)
				}
				return
			}

			if got := strings.Count(output, "---\n"); got != len(tt.vms)-1 {
				t.Errorf("document separators = %d, want %d", got, len(tt.vms)-1)
			}
			for _, vm := range tt.vms {
				if !strings.Contains(output, "name: "+vm.Name) {
					t.Errorf("output missing VM name %q", vm.Name)
				}
			}
		})
	}
}

func TestJSONFormatter_FormatVM(t *testing.T) {
	vm := testVM(10, "test-vm", v1.StateStarted, false)

	output, err := (&JSONFormatter{}).FormatVM(vm)
	if err != nil {
		t.Fatalf("FormatVM() error = %v", err)
	}

	for _, field := range []string{
		`"cid": 10`,
		`"name": "test-vm"`,
		`"state": "STARTED"`,
		`"protectedVm": false`,
		`"startTime": null`,
	} {
		if !strings.Contains(output, field) {
			t.Errorf("output missing required field %q: %s", field, output)
		}
	}
}

func TestJSONFormatter_FormatVMList(t *testing.T) {
	tests := []struct {
		name      string
		vms       []v1.VirtualMachineDebugInfo
		wantEmpty bool
	}{
		{
			name:      "empty list",
			wantEmpty: true,
		},
		{
			name: "multiple VMs",
			vms: []v1.VirtualMachineDebugInfo{
				testVM(10, "vm1", v1.StateReady, true),
				testVM(11, "vm2", v1.StateDead, false),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := (&JSONFormatter{}).FormatVMList(tt.vms)
			if err != nil {
				t.Fatalf("FormatVMList() error = %v", err)
			}

			if tt.wantEmpty {
				if output != "[]\n" {
					t.Errorf("expected %q, got: %q", "[]\n", output)
				}
				return
			}

			var got []v1.VirtualMachineDebugInfo
			if err := json.Unmarshal([]byte(output), &got); err != nil {
				t.Fatalf("output is not a JSON array: %v", err)
			}
			if len(got) != len(tt.vms) {
				t.Errorf("decoded %d VMs, want %d", len(got), len(tt.vms))
			}
		})
	}
}

func TestJSONFormatter_FormatVMListAsItems(t *testing.T) {
	output, err := (&JSONFormatter{}).FormatVMListAsItems(nil)
	if err != nil {
		t.Fatalf("FormatVMListAsItems() error = %v", err)
	}

	var doc struct {
		APIVersion string                       `json:"apiVersion"`
		Kind       string                       `json:"kind"`
		Items      []v1.VirtualMachineDebugInfo `json:"items"`
	}
	if err := json.Unmarshal([]byte(output), &doc); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if doc.APIVersion != "kiln.jbweber.dev/v1alpha1" || doc.Kind != "VirtualMachineDebugInfoList" {
		t.Errorf("header = %s %s", doc.APIVersion, doc.Kind)
	}
	if !strings.Contains(output, `"items": []`) {
		t.Errorf("empty list should encode as an empty array: %s", output)
	}
}

func TestNewFormatter_JSONItems(t *testing.T) {
	formatter, err := NewFormatter(Options{Format: FormatJSON, Items: true})
	if err != nil {
		t.Fatalf("NewFormatter() error = %v", err)
	}
	output, err := formatter.FormatVMList([]v1.VirtualMachineDebugInfo{{CID: 10, Name: "vm"}})
	if err != nil {
		t.Fatalf("FormatVMList() error = %v", err)
	}

	var doc struct {
		Kind  string                       `json:"kind"`
		Items []v1.VirtualMachineDebugInfo `json:"items"`
	}
	if err := json.Unmarshal([]byte(output), &doc); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if doc.Kind != "VirtualMachineDebugInfoList" || len(doc.Items) != 1 || doc.Items[0].CID != 10 {
		t.Errorf("doc = %+v", doc)
	}
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{
			name: "table format",
			opts: Options{Format: FormatTable},
		},
		{
			name: "yaml format",
			opts: Options{Format: FormatYAML},
		},
		{
			name: "json format",
			opts: Options{Format: FormatJSON},
		},
		{
			name:    "invalid format",
			opts:    Options{Format: "invalid"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			formatter, err := NewFormatter(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewFormatter() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && formatter == nil {
				t.Error("NewFormatter() returned nil formatter")
			}
		})
	}
}

func TestValidateFormat(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		wantErr bool
	}{
		{
			name:   "valid table",
			format: "table",
		},
		{
			name:   "valid yaml",
			format: "yaml",
		},
		{
			name:   "valid json",
			format: "json",
		},
		{
			name:    "invalid format",
			format:  "xml",
			wantErr: true,
		},
		{
			name:    "empty format",
			format:  "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFormat(tt.format)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFormat() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		want     string
	}{
		{"5 seconds", 5 * time.Second, "5s"},
		{"30 seconds", 30 * time.Second, "30s"},
		{"2 minutes", 2 * time.Minute, "2m"},
		{"90 seconds", 90 * time.Second, "1m"},
		{"2 hours", 2 * time.Hour, "2h"},
		{"90 minutes", 90 * time.Minute, "1h"},
		{"2 days", 48 * time.Hour, "2d"},
		{"2 weeks", 14 * 24 * time.Hour, "2w"},
		{"50 days", 50 * 24 * time.Hour, "7w"},
		{"60 days", 60 * 24 * time.Hour, "60d"}, // >= 8 weeks shows as days
		{"400 days", 400 * 24 * time.Hour, "1y"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatAge(tt.duration)
			if got != tt.want {
				t.Errorf("formatAge(%v) = %q, want %q", tt.duration, got, tt.want)
			}
		})
	}
}
