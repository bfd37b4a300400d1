package jobs

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"visitra/internal/config"
	"visitra/internal/geoip"
)

const (
	// GeoLite database is updated weekly by MaxMind
	GeoLiteUpdateInterval = 7 * 24 * time.Hour
	// MaxMind download URL template
	MaxMindDownloadURL = "https://download.maxmind.com/app/geoip_download?edition_id=GeoLite2-City&license_key=%s&suffix=tar.gz"
)

// GeoLiteUpdaterJob handles automatic GeoLite database updates
type GeoLiteUpdaterJob struct {
	logger *slog.Logger
	cfg    *config.Config
}

// NewGeoLiteUpdaterJob creates a new GeoLite updater job
func NewGeoLiteUpdaterJob(logger *slog.Logger, cfg *config.Config) *GeoLiteUpdaterJob {
	return &GeoLiteUpdaterJob{
		logger: logger,
		cfg:    cfg,
	}
}

// Run executes the GeoLite update job. The database file's modification time
// is the freshness marker; files younger than the update interval are kept.
func (j *GeoLiteUpdaterJob) Run() error {
	if j.cfg.MaxMindLicenseKey == "" {
		j.logger.Debug("MaxMind license key not configured, skipping GeoLite update")
		return nil
	}

	lastUpdate := j.lastUpdateTime()
	if time.Since(lastUpdate) < GeoLiteUpdateInterval {
		j.logger.Debug("GeoLite database is up to date",
			slog.Time("last_update", lastUpdate),
			slog.Duration("age", time.Since(lastUpdate)))
		return nil
	}

	j.logger.Info("Starting GeoLite database update",
		slog.Time("last_update", lastUpdate))

	if err := j.downloadAndUpdate(); err != nil {
		j.logger.Error("Failed to update GeoLite database", slog.Any("error", err))
		return err
	}

	// Reload the in-memory database so resolvers pick it up immediately
	geoip.ReloadGeoDB()

	j.logger.Info("GeoLite database updated successfully")
	return nil
}

// TriggerImmediateDownload downloads the database regardless of file age.
// The geolocation resolver calls this when a lookup reports a missing or
// corrupt database; it runs in the caller's goroutine.
func (j *GeoLiteUpdaterJob) TriggerImmediateDownload() {
	if j.cfg.MaxMindLicenseKey == "" {
		j.logger.Debug("MaxMind license key not configured, skipping immediate download")
		return
	}

	j.logger.Info("Starting immediate GeoLite database download")

	if err := j.downloadAndUpdate(); err != nil {
		j.logger.Error("Failed immediate GeoLite download", slog.Any("error", err))
		return
	}

	geoip.ReloadGeoDB()
	j.logger.Info("Immediate GeoLite database download completed successfully")
}

// lastUpdateTime returns the modification time of the database file, or the
// zero time when the file does not exist.
func (j *GeoLiteUpdaterJob) lastUpdateTime() time.Time {
	info, err := os.Stat(j.geoDBPath())
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func (j *GeoLiteUpdaterJob) geoDBPath() string {
	if j.cfg.GeoDBPath != "" {
		return j.cfg.GeoDBPath
	}
	return filepath.Join("storage", "GeoLite2-City.mmdb")
}

// downloadAndUpdate downloads and extracts the GeoLite database
func (j *GeoLiteUpdaterJob) downloadAndUpdate() error {
	geoDBPath := j.geoDBPath()

	dir := filepath.Dir(geoDBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	downloadURL := fmt.Sprintf(MaxMindDownloadURL, j.cfg.MaxMindLicenseKey)
	resp, err := http.Get(downloadURL)
	if err != nil {
		return fmt.Errorf("failed to download GeoLite database: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	tempFile, err := os.CreateTemp("", "geolite-*.tar.gz")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tempFile.Name())
	defer tempFile.Close()

	if _, err := io.Copy(tempFile, resp.Body); err != nil {
		return fmt.Errorf("failed to save download: %w", err)
	}

	if _, err := tempFile.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}

	if err := j.extractMMDB(tempFile, geoDBPath); err != nil {
		return fmt.Errorf("failed to extract database: %w", err)
	}

	return nil
}

// extractMMDB extracts the .mmdb file from the tar.gz archive
func (j *GeoLiteUpdaterJob) extractMMDB(tarGzFile *os.File, destPath string) error {
	gzr, err := gzip.NewReader(tarGzFile)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}

		if strings.HasSuffix(header.Name, ".mmdb") {
			outFile, err := os.Create(destPath)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer outFile.Close()

			if _, err := io.Copy(outFile, tr); err != nil {
				return fmt.Errorf("failed to extract file: %w", err)
			}

			return nil
		}
	}

	return fmt.Errorf("no .mmdb file found in archive")
}
