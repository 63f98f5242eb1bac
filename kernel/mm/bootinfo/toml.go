package bootinfo

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// machineFile mirrors the layout of a machine description file.
type machineFile struct {
	Region []machineRegion `toml:"region"`
}

type machineRegion struct {
	Base   string `toml:"base"`
	Length string `toml:"length"`
	Type   string `toml:"type"`
}

// ParseTOML reads a machine description from r and returns its memory map.
// Each [[region]] block carries a base address and a length (decimal or
// 0x-prefixed hex) plus a type string matching RegionType.String.
func ParseTOML(r io.Reader) (MemoryMap, error) {
	var spec machineFile
	if _, err := toml.NewDecoder(r).Decode(&spec); err != nil {
		return nil, fmt.Errorf("bootinfo: malformed machine description: %w", err)
	}

	if len(spec.Region) == 0 {
		return nil, fmt.Errorf("bootinfo: machine description defines no memory regions")
	}

	memMap := make(MemoryMap, 0, len(spec.Region))
	for i, entry := range spec.Region {
		base, err := parseAddr(entry.Base)
		if err != nil {
			return nil, fmt.Errorf("bootinfo: region %d: bad base %q: %w", i, entry.Base, err)
		}

		length, err := parseAddr(entry.Length)
		if err != nil {
			return nil, fmt.Errorf("bootinfo: region %d: bad length %q: %w", i, entry.Length, err)
		}
		if length == 0 {
			return nil, fmt.Errorf("bootinfo: region %d: zero length", i)
		}

		regionType, err := parseRegionType(entry.Type)
		if err != nil {
			return nil, fmt.Errorf("bootinfo: region %d: %w", i, err)
		}

		memMap = append(memMap, Region{
			PhysAddress: base,
			Length:      length,
			Type:        regionType,
		})
	}

	sort.Slice(memMap, func(i, j int) bool {
		return memMap[i].PhysAddress < memMap[j].PhysAddress
	})

	return memMap, nil
}

// LoadTOML reads a machine description file from disk.
func LoadTOML(path string) (MemoryMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bootinfo: %w", err)
	}
	defer f.Close()

	return ParseTOML(f)
}

func parseAddr(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

func parseRegionType(s string) (RegionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "available":
		return RegionAvailable, nil
	case "reserved":
		return RegionReserved, nil
	case "acpi":
		return RegionACPIReclaimable, nil
	case "nvs":
		return RegionNVS, nil
	default:
		return 0, fmt.Errorf("unknown region type %q", s)
	}
}
