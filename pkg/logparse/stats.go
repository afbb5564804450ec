package logparse

// JobStats holds resource usage reported in a job log. Every field is
// optional; a field stays nil when the log has no matching line.
type JobStats struct {
	CPUSeconds  *float64 `json:"cpu_seconds,omitempty"`
	WallSeconds *float64 `json:"wall_seconds,omitempty"`
	MaxRSSMB    *float64 `json:"max_rss_mb,omitempty"`
	DiskKB      *int64   `json:"disk_kb,omitempty"`
	Host        *string  `json:"host,omitempty"`
	Site        *string  `json:"site,omitempty"`
}

// Missing returns the names of the fields that were not populated, in
// declaration order. An empty result means the stats are complete.
func (s JobStats) Missing() []string {
	var missing []string
	if s.CPUSeconds == nil {
		missing = append(missing, "cpu_seconds")
	}
	if s.WallSeconds == nil {
		missing = append(missing, "wall_seconds")
	}
	if s.MaxRSSMB == nil {
		missing = append(missing, "max_rss_mb")
	}
	if s.DiskKB == nil {
		missing = append(missing, "disk_kb")
	}
	if s.Host == nil {
		missing = append(missing, "host")
	}
	if s.Site == nil {
		missing = append(missing, "site")
	}
	return missing
}

// Complete reports whether every field is populated.
func (s JobStats) Complete() bool {
	return len(s.Missing()) == 0
}
