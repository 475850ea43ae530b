package constants

const (
	// FeedSendBuffer is the per-subscriber event queue on the capture
	// feed. A subscriber that falls this far behind loses frames.
	FeedSendBuffer = 256
	// FeedReadLimit caps a single inbound capture frame (bytes).
	FeedReadLimit = 4 * 1024 * 1024

	// ResponseBodyCap bounds how much of an upstream body a replay will
	// read when the caller sets no MaxBytes.
	ResponseBodyCap = 16 * 1024 * 1024

	// TokenBodyCap bounds how much of a token-endpoint response the
	// refresher reads.
	TokenBodyCap = 1 << 20

	// SkillImportCap bounds an imported skill file. Real skill files are
	// kilobytes; anything near this size is not one.
	SkillImportCap = 8 * 1024 * 1024
)
