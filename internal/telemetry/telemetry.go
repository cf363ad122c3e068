// Package telemetry exports repository and archive metrics to a
// textfile, for node-exporter style collection from machines that have
// no scrapeable endpoint of their own.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Rudd-O/borg-offsite-backup/internal/borg"
	"github.com/Rudd-O/borg-offsite-backup/internal/logging"
)

const namespace = "borg_offsite"

// Source is what the collector reads. *borg.Client satisfies it.
type Source interface {
	ListArchives(ctx context.Context) (*borg.RepoList, error)
	ArchiveInfo(ctx context.Context, name string) (*borg.Archive, error)
}

// Collector fills a private registry with the repository's current
// state. One collector serves one collection pass.
type Collector struct {
	source Source
	logger *logging.Logger

	registry *prometheus.Registry

	repoLastModified prometheus.Gauge
	archiveCount     prometheus.Gauge

	archiveStart        *prometheus.GaugeVec
	archiveEnd          *prometheus.GaugeVec
	archiveOriginal     *prometheus.GaugeVec
	archiveCompressed   *prometheus.GaugeVec
	archiveDeduplicated *prometheus.GaugeVec
	archiveFiles        *prometheus.GaugeVec
}

// NewCollector builds a collector over source.
func NewCollector(source Source, logger *logging.Logger) *Collector {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}

	c := &Collector{
		source:   source,
		logger:   logger,
		registry: prometheus.NewRegistry(),

		repoLastModified: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "repository_last_modified_timestamp",
			Help:      "Unix timestamp of the repository's last modification.",
		}),
		archiveCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "archive_count",
			Help:      "Number of archives in the repository.",
		}),

		archiveStart: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "archive_start_timestamp",
			Help:      "Unix timestamp at which the archive started.",
		}, []string{"archive"}),
		archiveEnd: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "archive_end_timestamp",
			Help:      "Unix timestamp at which the archive finished.",
		}, []string{"archive"}),
		archiveOriginal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "archive_original_size_bytes",
			Help:      "Uncompressed size of the archive in bytes.",
		}, []string{"archive"}),
		archiveCompressed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "archive_compressed_size_bytes",
			Help:      "Compressed size of the archive in bytes.",
		}, []string{"archive"}),
		archiveDeduplicated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "archive_deduplicated_size_bytes",
			Help:      "Deduplicated size of the archive in bytes.",
		}, []string{"archive"}),
		archiveFiles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "archive_file_count",
			Help:      "Number of files in the archive.",
		}, []string{"archive"}),
	}

	c.registry.MustRegister(
		c.repoLastModified,
		c.archiveCount,
		c.archiveStart,
		c.archiveEnd,
		c.archiveOriginal,
		c.archiveCompressed,
		c.archiveDeduplicated,
		c.archiveFiles,
	)
	return c
}

// Collect walks every archive in the repository. Each archive costs one
// remote query, so the caller bounds ctx with the telemetry timeout.
func (c *Collector) Collect(ctx context.Context) error {
	list, err := c.source.ListArchives(ctx)
	if err != nil {
		return err
	}

	if !list.LastModified.IsZero() {
		c.repoLastModified.Set(float64(list.LastModified.Unix()))
	}
	c.archiveCount.Set(float64(len(list.ArchiveNames)))

	for _, name := range list.ArchiveNames {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := c.source.ArchiveInfo(ctx, name)
		if err != nil {
			return err
		}
		c.logger.Debug("Collected archive %s", name)

		labels := prometheus.Labels{"archive": name}
		c.archiveStart.With(labels).Set(float64(info.Start.Unix()))
		c.archiveEnd.With(labels).Set(float64(info.End.Unix()))
		c.archiveOriginal.With(labels).Set(float64(info.OriginalSize))
		c.archiveCompressed.With(labels).Set(float64(info.CompressedSize))
		c.archiveDeduplicated.With(labels).Set(float64(info.DeduplicatedSize))
		c.archiveFiles.With(labels).Set(float64(info.FileCount))
	}
	return nil
}

// Write emits the collected metrics to path. The write goes through a
// temporary file and a rename, so a scraper never observes a partial
// file.
func (c *Collector) Write(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}
