package search

import "github.com/VictoriaMetrics/metrics"

var (
	startedTotal      = metrics.NewCounter(`hkv_search_started_total`)
	itemsTotal        = metrics.NewCounter(`hkv_search_items_total`)
	doneTotal         = metrics.NewCounter(`hkv_search_done_total`)
	droppedDuplicate  = metrics.NewCounter(`hkv_search_dropped_total{reason="duplicate"}`)
	droppedUnknown    = metrics.NewCounter(`hkv_search_dropped_total{reason="unknown"}`)
	droppedBadDimSpec = metrics.NewCounter(`hkv_search_dropped_total{reason="bad_dim_spec"}`)
	flushFailures     = metrics.NewCounter(`hkv_search_flush_failures_total`)
	groupKeyopTotal   = metrics.NewCounter(`hkv_group_keyop_total`)
	groupForwarded    = metrics.NewCounter(`hkv_group_keyop_forwarded_total`)
	groupOrphans      = metrics.NewCounter(`hkv_group_keyop_orphans_total`)
)
