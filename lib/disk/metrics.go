package disk

import (
	"github.com/VictoriaMetrics/metrics"
)

var (
	flushSuccess    = metrics.NewCounter(`hkv_disk_flush_total{result="success"}`)
	flushFull       = metrics.NewCounter(`hkv_disk_flush_total{result="full"}`)
	flushError      = metrics.NewCounter(`hkv_disk_flush_total{result="error"}`)
	flushedRecords  = metrics.NewCounter(`hkv_disk_flushed_records_total`)
	flushDuration   = metrics.NewHistogram(`hkv_disk_flush_duration_seconds`)
	splitTotal      = metrics.NewCounter(`hkv_disk_split_total`)
	cleanTotal      = metrics.NewCounter(`hkv_disk_clean_total`)
	logFullTotal    = metrics.NewCounter(`hkv_disk_log_full_total`)
	migrationsTotal = metrics.NewCounter(`hkv_disk_point_migrations_total`)
)
