package notify

// Window is a half-open exposure interval [Start, End) in unix seconds.
type Window struct {
	Start int64
	End   int64
}

// Coalesce merges ascending, resolution-aligned flagged timestamps into exposure windows.
// A timestamp at most one resolution step past the current window's end (one missed sample)
// extends that window; anything later opens a new one.
func Coalesce(timestamps []int64, resolution int64) []Window {
	if len(timestamps) == 0 || resolution <= 0 {
		return nil
	}
	windows := make([]Window, 0, 1)
	current := Window{Start: timestamps[0], End: timestamps[0] + resolution}
	for _, t := range timestamps[1:] {
		if t-current.End <= resolution {
			if end := t + resolution; end > current.End {
				current.End = end
			}
			continue
		}
		windows = append(windows, current)
		current = Window{Start: t, End: t + resolution}
	}
	return append(windows, current)
}
