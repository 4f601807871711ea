// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package middleware

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// testutilCount returns the sample count of a histogram series in the default registry.
func testutilCount(name string, labels map[string]string) (uint64, error) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return 0, err
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue series
				}
			}
			return m.GetHistogram().GetSampleCount(), nil
		}
	}
	return 0, fmt.Errorf("series %s%v not found", name, labels)
}
