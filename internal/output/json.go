package output

import (
	"bytes"
	"encoding/json"
	"fmt"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
)

// JSONFormatter formats VM entries as JSON.
type JSONFormatter struct {
	// Items wraps lists in a VirtualMachineDebugInfoList document.
	Items bool
}

// FormatVM formats a single VM entry as JSON.
func (f *JSONFormatter) FormatVM(vm v1.VirtualMachineDebugInfo) (string, error) {
	data, err := json.MarshalIndent(vm, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal VM to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// FormatVMList formats VM entries as a JSON array.
func (f *JSONFormatter) FormatVMList(vms []v1.VirtualMachineDebugInfo) (string, error) {
	if f.Items {
		return f.FormatVMListAsItems(vms)
	}
	if len(vms) == 0 {
		return "[]\n", nil
	}

	data, err := json.MarshalIndent(vms, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal VMs to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// FormatVMListAsItems formats VM entries as a list document:
//
//	{
//	  "apiVersion": "kiln.jbweber.dev/v1alpha1",
//	  "kind": "VirtualMachineDebugInfoList",
//	  "items": [...]
//	}
func (f *JSONFormatter) FormatVMListAsItems(vms []v1.VirtualMachineDebugInfo) (string, error) {
	if vms == nil {
		vms = []v1.VirtualMachineDebugInfo{}
	}
	wrapper := map[string]interface{}{
		"apiVersion": v1.GroupName + "/" + v1.Version,
		"kind":       "VirtualMachineDebugInfoList",
		"items":      vms,
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(wrapper); err != nil {
		return "", fmt.Errorf("failed to marshal VM list to JSON: %w", err)
	}
	return buf.String(), nil
}
