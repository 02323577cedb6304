package soc

import (
	"fmt"
	"strings"
)

// CoreRange is the scaling range of one core. Core numbers start at 1.
type CoreRange struct {
	Core   int `json:"core"`
	MinMHz int `json:"min_mhz"`
	MaxMHz int `json:"max_mhz"`
}

// Topology is read once per process.
type Topology struct {
	Hardware  string      `json:"hardware"`
	CoreCount int         `json:"core_count"`
	Cores     []CoreRange `json:"cores"`
	Histogram string      `json:"histogram"`
}

// parseCPUInfo extracts the hardware name and the number of processor
// entries. The ARM "Hardware" line wins over the x86 "model name".
func parseCPUInfo(content string) (hardware string, cores int) {
	var model string

	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		switch strings.TrimSpace(key) {
		case "Hardware":
			hardware = strings.TrimSpace(value)
		case "model name":
			if model == "" {
				model = strings.TrimSpace(value)
			}
		case "processor":
			cores++
		}
	}

	if hardware == "" {
		hardware = model
	}

	return hardware, cores
}

// Histogram groups cores by identical range, one line per distinct range in
// order of first appearance.
func Histogram(cores []CoreRange) string {
	type bucket struct {
		rng   CoreRange
		count int
	}

	var buckets []bucket
	for _, c := range cores {
		found := false
		for i := range buckets {
			if buckets[i].rng.MinMHz == c.MinMHz && buckets[i].rng.MaxMHz == c.MaxMHz {
				buckets[i].count++
				found = true
				break
			}
		}
		if !found {
			buckets = append(buckets, bucket{rng: c, count: 1})
		}
	}

	lines := make([]string, 0, len(buckets))
	for _, b := range buckets {
		lines = append(lines, fmt.Sprintf("%d cores at %d–%d MHz", b.count, b.rng.MinMHz, b.rng.MaxMHz))
	}

	return strings.Join(lines, "\n")
}
