package payload

import "bytes"

// RegionSize is the fixed size of the patchable license region
const RegionSize = 4096

// reversedSentinel is the unpatched marker spelled backwards, so the
// forward marker appears exactly once in the image: inside the region.
// The external patcher locates that copy and overwrites all RegionSize
// bytes with a JSON document followed by zero padding.
const reversedSentinel = "NOIGER-DEHCTAPNU:ETAGESNECIL"

// licenseRegion is kept in the initialized data section by its non-zero
// prefix, so the patched bytes are what the loader sees at run time.
var licenseRegion = [RegionSize]byte{
	'L', 'I', 'C', 'E', 'N', 'S', 'E', 'G', 'A', 'T', 'E', ':',
	'U', 'N', 'P', 'A', 'T', 'C', 'H', 'E', 'D', '-',
	'R', 'E', 'G', 'I', 'O', 'N',
}

// sentinel returns the forward unpatched marker
func sentinel() []byte {
	s := []byte(reversedSentinel)
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
	return s
}

// embeddedRegion returns a copy of the in-memory region
func embeddedRegion() []byte {
	region := licenseRegion
	return region[:]
}

// isUnpatched reports whether region still carries the build-time marker
func isUnpatched(region []byte) bool {
	return bytes.HasPrefix(region, sentinel())
}

// trimPadding strips the zero padding that follows the document
func trimPadding(region []byte) []byte {
	return bytes.TrimRight(region, "\x00")
}

// Patch writes doc into the unpatched region of image, in place. It is the
// inverse of the loader and mirrors what the external patcher does.
func Patch(image, doc []byte) error {
	if len(doc) > RegionSize {
		return errTooLarge(len(doc))
	}
	marker := sentinel()
	idx := bytes.Index(image, marker)
	if idx < 0 || idx+RegionSize > len(image) {
		return errNoRegion
	}
	region := image[idx : idx+RegionSize]
	copy(region, doc)
	clear(region[len(doc):])
	return nil
}
