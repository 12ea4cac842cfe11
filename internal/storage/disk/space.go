package disk

import (
	"context"

	psdisk "github.com/shirou/gopsutil/v4/disk"
)

func freeBytes(ctx context.Context, path string) (uint64, error) {
	usage, err := psdisk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
