package chatsync

// Viewport is the scroll geometry of a message list, in any consistent unit
// (pixels, terminal rows).
type Viewport struct {
	ScrollTop    float64
	ScrollHeight float64
	ClientHeight float64
}

// PreserveScroll returns the scroll offset that keeps the same messages in
// view after older messages were prepended: the previous offset shifted by
// the growth in content height.
func PreserveScroll(before, after Viewport) float64 {
	top := before.ScrollTop + (after.ScrollHeight - before.ScrollHeight)
	if top < 0 {
		return 0
	}
	if max := after.ScrollHeight - after.ClientHeight; after.ClientHeight > 0 && top > max {
		return max
	}
	return top
}

// NearBottom reports whether v is scrolled to within threshold of the end,
// in which case a new message should scroll the list down.
func NearBottom(v Viewport, threshold float64) bool {
	return v.ScrollHeight-v.ScrollTop-v.ClientHeight <= threshold
}

// NearTop reports whether v is within threshold of the start, which is when
// the next older page should be requested.
func NearTop(v Viewport, threshold float64) bool {
	return v.ScrollTop <= threshold
}
