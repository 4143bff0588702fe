package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
)

// YAMLFormatter formats VM entries as YAML.
type YAMLFormatter struct{}

// FormatVM formats a single VM entry as YAML.
func (f *YAMLFormatter) FormatVM(vm v1.VirtualMachineDebugInfo) (string, error) {
	data, err := yaml.Marshal(vm)
	if err != nil {
		return "", fmt.Errorf("failed to marshal VM to YAML: %w", err)
	}
	return string(data), nil
}

// FormatVMList formats VM entries as a YAML stream, one document per VM.
func (f *YAMLFormatter) FormatVMList(vms []v1.VirtualMachineDebugInfo) (string, error) {
	var buf bytes.Buffer
	for i, vm := range vms {
		data, err := yaml.Marshal(vm)
		if err != nil {
			return "", fmt.Errorf("failed to marshal VM %d to YAML: %w", vm.CID, err)
		}
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}
	return buf.String(), nil
}
