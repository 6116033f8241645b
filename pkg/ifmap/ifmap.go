// Package ifmap maps each supported device model to its ordered interface
// vocabulary. Index 0 is the first data interface; the management interface
// is tracked separately and never participates in point-to-point links.
//
// The registry is static data. Name and index form a bijection over each
// model's table.
package ifmap

import "fmt"

// Model identifies a supported device family.
type Model string

const (
	AristaVEOS   Model = "arista_veos"
	AristaCEOS   Model = "arista_ceos"
	ArubaAOSCX   Model = "aruba_aoscx"
	CiscoIOSv    Model = "cisco_iosv"
	CiscoIOSXE   Model = "cisco_iosxe"
	JuniperVEvo  Model = "juniper_vevo"
	CumulusLinux Model = "cumulus_linux"
	NokiaSRLinux Model = "nokia_srlinux"
	UbuntuLinux  Model = "ubuntu_linux"
)

// AllModels lists every supported model in a stable order.
var AllModels = []Model{
	AristaVEOS,
	AristaCEOS,
	ArubaAOSCX,
	CiscoIOSv,
	CiscoIOSXE,
	JuniperVEvo,
	CumulusLinux,
	NokiaSRLinux,
	UbuntuLinux,
}

// Valid reports whether m names a supported model.
func (m Model) Valid() bool {
	_, ok := registry[m]
	return ok
}

func (m Model) String() string {
	return string(m)
}

// vocabulary is one model's interface table.
type vocabulary struct {
	mgmt string
	data []string
}

// seq builds names prefix+start .. prefix+(start+count-1).
func seq(prefix string, start, count int) []string {
	names := make([]string, count)
	for i := 0; i < count; i++ {
		names[i] = fmt.Sprintf("%s%d", prefix, start+i)
	}
	return names
}

// seqSlot builds Aruba-style "1/1/N" names.
func seqSlot(start, count int) []string {
	names := make([]string, count)
	for i := 0; i < count; i++ {
		names[i] = fmt.Sprintf("1/1/%d", start+i)
	}
	return names
}

// seqJuniper builds "et-0/0/N" names.
func seqJuniper(start, count int) []string {
	names := make([]string, count)
	for i := 0; i < count; i++ {
		names[i] = fmt.Sprintf("et-0/0/%d", start+i)
	}
	return names
}

var registry = map[Model]vocabulary{
	AristaVEOS:   {mgmt: "Management1", data: seq("Ethernet", 1, 16)},
	AristaCEOS:   {mgmt: "Management0", data: seq("Ethernet", 1, 16)},
	ArubaAOSCX:   {mgmt: "mgmt", data: seqSlot(1, 16)},
	CiscoIOSv:    {mgmt: "GigabitEthernet0/0", data: seq("GigabitEthernet0/", 1, 7)},
	CiscoIOSXE:   {mgmt: "GigabitEthernet1", data: seq("GigabitEthernet", 2, 8)},
	JuniperVEvo:  {mgmt: "re0:mgmt-0", data: seqJuniper(0, 16)},
	CumulusLinux: {mgmt: "eth0", data: seq("swp", 1, 32)},
	NokiaSRLinux: {mgmt: "mgmt0", data: seq("e1-", 1, 16)},
	UbuntuLinux:  {mgmt: "eth0", data: seq("eth", 1, 9)},
}

// UnknownInterfaceError reports an interface name outside a model's vocabulary.
type UnknownInterfaceError struct {
	Model Model
	Name  string
}

func (e *UnknownInterfaceError) Error() string {
	return fmt.Sprintf("ifmap: interface %q is not valid for model %s", e.Name, e.Model)
}

// IndexOutOfRangeError reports an index outside a model's table.
type IndexOutOfRangeError struct {
	Model Model
	Index int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("ifmap: interface index %d out of range for model %s", e.Index, e.Model)
}

// InterfaceToIndex returns the zero-based data-interface index for name.
func InterfaceToIndex(model Model, name string) (int, error) {
	vocab, ok := registry[model]
	if !ok {
		return 0, fmt.Errorf("ifmap: unknown model %q", model)
	}
	for i, n := range vocab.data {
		if n == name {
			return i, nil
		}
	}
	return 0, &UnknownInterfaceError{Model: model, Name: name}
}

// InterfaceFromIndex returns the data-interface name at idx.
func InterfaceFromIndex(model Model, idx int) (string, error) {
	vocab, ok := registry[model]
	if !ok {
		return "", fmt.Errorf("ifmap: unknown model %q", model)
	}
	if idx < 0 || idx >= len(vocab.data) {
		return "", &IndexOutOfRangeError{Model: model, Index: idx}
	}
	return vocab.data[idx], nil
}

// AllInterfaces returns the ordered data-interface vocabulary for model.
// The returned slice must not be modified.
func AllInterfaces(model Model) ([]string, error) {
	vocab, ok := registry[model]
	if !ok {
		return nil, fmt.Errorf("ifmap: unknown model %q", model)
	}
	return vocab.data, nil
}

// ManagementInterface returns the dedicated management interface name.
func ManagementInterface(model Model) (string, error) {
	vocab, ok := registry[model]
	if !ok {
		return "", fmt.Errorf("ifmap: unknown model %q", model)
	}
	return vocab.mgmt, nil
}

// MaxDataInterfaces returns the size of the model's data vocabulary.
func MaxDataInterfaces(model Model) int {
	return len(registry[model].data)
}

// IsManagement reports whether name is the model's management interface.
func IsManagement(model Model, name string) bool {
	vocab, ok := registry[model]
	return ok && vocab.mgmt == name
}
