package scan

import "errors"

// ErrScanInProgress is returned when a sweep is requested while another
// sweep is still running. One sweep at a time keeps the probe budget and
// the report counters meaningful.
var ErrScanInProgress = errors.New("scan: sweep already in progress")
