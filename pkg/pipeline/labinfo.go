package pipeline

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sherpa-labs/sherpa/pkg/catalog"
)

// LabInfo is the on-disk record at <labs>/<lab_id>/lab-info.toml. It lets
// destroy and clean operate even when catalog rows are gone.
type LabInfo struct {
	Name              string    `toml:"name"`
	LabID             string    `toml:"lab_id"`
	Owner             string    `toml:"owner"`
	LoopbackNetwork   string    `toml:"loopback_network"`
	ManagementNetwork string    `toml:"management_network"`
	CreatedAt         time.Time `toml:"created_at"`
}

// labInfoFromLab projects the catalog row.
func labInfoFromLab(lab *catalog.Lab) LabInfo {
	return LabInfo{
		Name:              lab.Name,
		LabID:             lab.LabID,
		Owner:             lab.Owner,
		LoopbackNetwork:   lab.LoopbackNetwork,
		ManagementNetwork: lab.ManagementNetwork,
		CreatedAt:         lab.CreatedAt,
	}
}

// writeLabInfo persists the record.
func writeLabInfo(path string, info LabInfo) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("pipeline: write lab info: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(info); err != nil {
		return fmt.Errorf("pipeline: encode lab info: %w", err)
	}
	return nil
}

// readLabInfo loads the record; a missing file returns os.ErrNotExist.
func readLabInfo(path string) (*LabInfo, error) {
	var info LabInfo
	if _, err := toml.DecodeFile(path, &info); err != nil {
		return nil, fmt.Errorf("pipeline: read lab info: %w", err)
	}
	return &info, nil
}
