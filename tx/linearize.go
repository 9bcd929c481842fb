package tx

// NeedsLinearize reports whether a segmentation offload packet has to be
// copied into one buffer before the device can carve segments from it. The
// device fetches at most window descriptors per segment, so every window of
// consecutive data descriptors must carry at least one full segment. The
// first window starts with the payload left in the linear part after the
// headers (firstBD), which only counts when it is not empty.
//
// frags must hold at least window sizes.
func NeedsLinearize(firstBD int, frags []int, mss, window int) bool {
	numWindows := len(frags) - window

	sum := firstBD
	for i := 0; i < window-1; i++ {
		sum += frags[i]
	}

	if firstBD > 0 {
		if sum < mss {
			return true
		}
		sum -= firstBD
	}

	for w := 0; w <= numWindows; w++ {
		sum += frags[w+window-1]
		if sum < mss {
			return true
		}
		sum -= frags[w]
	}
	return false
}
