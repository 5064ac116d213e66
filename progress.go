package imagecache

// ProgressEvent reports completion of one path during a preload.
type ProgressEvent struct {
	// Path is the remote path that just completed. Empty for the single
	// event emitted by a preload with no paths.
	Path string

	// Done is the number of distinct paths completed so far, including Path.
	Done int

	// Total is the number of distinct paths in the preload.
	Total int

	// Found reports whether Path ended up cached.
	Found bool
}

// Fraction returns Done/Total in [0, 1]. An empty preload is complete.
func (e ProgressEvent) Fraction() float64 {
	if e.Total <= 0 {
		return 1
	}
	return float64(e.Done) / float64(e.Total)
}

// ProgressFunc receives progress updates during a preload.
// Calls are serialized and arrive in strictly increasing Done order, so
// implementations need not be safe for concurrent use, but they should
// return quickly since they run on the loading goroutines.
type ProgressFunc func(ProgressEvent)
