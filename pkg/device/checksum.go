package device

// Checksum auto-mode sampling. After a worker has seen checksumSample
// packets, the share of invalid checksums observed on the whole
// interface decides whether the hardware is believed to be mangling
// checksums (common with TX offload on the capture port), in which case
// validation is switched off.
const (
	checksumSample       = 1000
	checksumInvalidRatio = 10
)

// AutoModeCheck implements the auto checksum policy. threadPkts is the
// calling worker's packet count, devicePkts and deviceInvalid the
// interface-wide totals. It returns true exactly when the sample point
// is reached and more than one in checksumInvalidRatio packets had a bad
// checksum; the caller then latches the skip decision on the Live record.
func AutoModeCheck(threadPkts, devicePkts, deviceInvalid uint64) bool {
	if threadPkts != checksumSample {
		return false
	}
	return deviceInvalid != 0 && devicePkts/deviceInvalid < checksumInvalidRatio
}
