package soc

import (
	"context"

	"codeberg.org/mutker/thermalmon/internal/errors"
	"github.com/shirou/gopsutil/v3/cpu"
)

// HostInfo answers topology questions when /proc/cpuinfo does not.
type HostInfo interface {
	ModelName(ctx context.Context) (string, error)
	LogicalCores(ctx context.Context) (int, error)
}

type gopsutilHost struct{}

// NewHostInfo returns a HostInfo backed by gopsutil.
func NewHostInfo() HostInfo {
	return gopsutilHost{}
}

func (gopsutilHost) ModelName(ctx context.Context) (string, error) {
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return "", errors.New().Wrap(ErrHostInfo, err)
	}
	if len(infos) == 0 {
		return "", errors.New().New(ErrHostInfo)
	}

	return infos[0].ModelName, nil
}

func (gopsutilHost) LogicalCores(ctx context.Context) (int, error) {
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return 0, errors.New().Wrap(ErrHostInfo, err)
	}

	return n, nil
}
