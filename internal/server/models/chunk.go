package models

// Chunk describes one independently encrypted, independently stored unit of
// a file. Records are append-only except for the lazily added backup
// reference; sequence numbers are unique and, once the file is complete,
// contiguous.
type Chunk struct {
	FileID string
	// Seq is the 1-based sequence number.
	Seq int
	// Size is the ciphertext byte count.
	Size int64

	// IV and AuthTag are the per-chunk AEAD parameters. Both are required.
	IV      []byte
	AuthTag []byte

	// StorageRef is the opaque primary-backend reference.
	StorageRef string
	// BackupRef and BackupBackend are set only when the best-effort backup
	// write succeeded. Empty strings mean no backup copy exists.
	BackupRef     string
	BackupBackend string

	// IsHeader marks the initial segment of container formats that need
	// one segment served first.
	IsHeader bool
}
