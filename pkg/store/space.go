package store

import (
	"fmt"
	"os"
	"syscall"

	"github.com/sirupsen/logrus"
)

// checkFreeSpace verifies the volume holding path has at least minimumGB
// of free space and logs the usage figures.
func checkFreeSpace(path string, minimumGB int, log *logrus.Logger) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("create data directory %s: %w", path, err)
	}

	var disk syscall.Statfs_t
	if err := syscall.Statfs(path, &disk); err != nil {
		return fmt.Errorf("statfs %s: %w", path, err)
	}

	totalGB := float64(disk.Blocks*uint64(disk.Bsize)) / 1e9
	freeGB := float64(disk.Bfree*uint64(disk.Bsize)) / 1e9

	log.WithFields(logrus.Fields{
		"path":       path,
		"total (GB)": fmt.Sprintf("%.2f", totalGB),
		"free (GB)":  fmt.Sprintf("%.2f", freeGB),
	}).Info("store disk usage")

	if minimumGB > 0 && freeGB < float64(minimumGB) {
		return fmt.Errorf(
			"insufficient free space on %s: %.2fGB free, %dGB required",
			path, freeGB, minimumGB,
		)
	}
	return nil
}
