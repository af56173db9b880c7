// Copyright 2020 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import "fmt"

// renderMetrics produces the text/plain body for the GET /metrics side
// door (spec.md §4.7). A full Prometheus exposition format/registry is out
// of scope (§1, "metrics backend ... hooks ... permitted but their sinks
// are not specified"); this renders the aggregate counters SPEC_FULL.md's
// supplemented "connection statistics snapshot" calls for, in the simple
// `name value` line shape the "text body from the metrics backend" wording
// of §4.7 implies.
func (s *Server) renderMetrics() string {
	stats := s.registry.Stats()
	return fmt.Sprintf(
		"wsengine_connections_active %d\n"+
			"wsengine_connections_total %d\n"+
			"wsengine_connections_peak %d\n"+
			"wsengine_connections_closed_normal %d\n"+
			"wsengine_connections_closed_timeout %d\n"+
			"wsengine_connections_closed_error %d\n",
		stats.Active, stats.Total, stats.Peak,
		stats.NormalClosures, stats.TimeoutClosures, stats.ErrorClosures,
	)
}
