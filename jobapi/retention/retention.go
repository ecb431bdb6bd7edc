// Package retention removes finished work the system no longer needs:
// terminal job rows older than the retention window, and orphaned
// backup/temp artifacts left in the media store.
package retention

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/randomparity/vpo-sub001/jobapi/storage"
	"github.com/randomparity/vpo-sub001/setup/config"
)

type Service struct {
	DB     storage.Database
	Cfg    *config.JobQueue
	Logger *logrus.Entry
}

func NewService(db storage.Database, cfg *config.JobQueue) *Service {
	return &Service{
		DB:     db,
		Cfg:    cfg,
		Logger: logrus.WithField("component", "retention"),
	}
}

// PurgeJobs deletes terminal job rows older than the retention window.
func (s *Service) PurgeJobs(ctx context.Context) (int64, error) {
	before := time.Now().UTC().Add(-s.Cfg.RetentionWindow())
	purged, err := s.DB.PurgeJobs(ctx, before, nil)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		s.Logger.WithField("purged", purged).Info("Removed old terminal jobs")
	}
	return purged, nil
}

// CleanupArtifacts walks the media store for .bak and .tmp files older
// than the retention window that no job row still references, and
// deletes them. Best-effort: individual removal failures are logged
// and skipped, never fatal. Returns how many artifacts were removed.
func (s *Service) CleanupArtifacts(ctx context.Context) (int, error) {
	root := string(s.Cfg.MediaStorePath)
	if root == "" {
		return 0, nil
	}
	referenced, err := s.DB.BackupPaths(ctx)
	if err != nil {
		return 0, err
	}
	keep := make(map[string]struct{}, len(referenced))
	for _, p := range referenced {
		keep[filepath.Clean(p)] = struct{}{}
	}

	cutoff := time.Now().Add(-s.Cfg.RetentionWindow())
	removed := 0
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			s.Logger.WithError(err).WithField("path", path).Warn("Skipping unreadable path during artifact cleanup")
			return nil
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".bak" && ext != ".tmp" {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if _, ok := keep[filepath.Clean(path)]; ok {
			return nil
		}
		if err := os.Remove(path); err != nil {
			s.Logger.WithError(err).WithField("path", path).Warn("Failed to remove orphaned artifact")
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		s.Logger.WithField("removed", removed).Info("Removed orphaned artifacts")
	}
	return removed, nil
}
