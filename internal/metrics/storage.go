// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	existsChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgate_storage_exists_total",
		Help: "Object existence checks by result",
	}, []string{"result"}) // result=present|absent|empty|error|cache_hit

	uploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidgate_storage_upload_bytes_total",
		Help: "Bytes uploaded to object storage",
	})

	uploadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgate_storage_uploads_total",
		Help: "Uploads to object storage by result",
	}, []string{"result"}) // result=success|put_error|size_mismatch|verify_error

	cacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgate_existence_cache_total",
		Help: "Existence cache lookups by backend and result",
	}, []string{"backend", "result"}) // result=hit|miss
)

// IncExists counts an existence check.
func IncExists(result string) {
	existsChecks.WithLabelValues(result).Inc()
}

// RecordUpload counts an upload attempt, adding bytes on success.
func RecordUpload(result string, bytes int64) {
	uploadTotal.WithLabelValues(result).Inc()
	if result == "success" && bytes > 0 {
		uploadBytes.Add(float64(bytes))
	}
}

// IncCacheLookup counts an existence cache lookup.
func IncCacheLookup(backend string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheOps.WithLabelValues(backend, result).Inc()
}
