package valuefile

import (
	"crypto/md5"
	"hash"
	"hash/adler32"
	"os"
)

// SizeThreshold bounds how large a single value file is allowed to
// grow before the writer seals it and opens a new one, per spec.md
// §4.2.
const SizeThreshold = 1 << 30 // 1 GiB

// File is a writer's exclusive handle onto one open value file. It
// tracks a rolling whole-file MD5 alongside the per-append MD5 and
// adler32 the caller needs to record in the sequence row.
type File struct {
	ID   int64
	f    *os.File
	roll hash.Hash
	size int64
}

func newFile(id int64, f *os.File) *File {
	return &File{ID: id, f: f, roll: md5.New()}
}

// Size returns the number of bytes appended so far.
func (vf *File) Size() int64 { return vf.size }

// WouldExceedThreshold reports whether appending n more bytes would
// push this file past SizeThreshold, the writer's cue to seal it.
func (vf *File) WouldExceedThreshold(n int64) bool {
	return vf.size+n > SizeThreshold
}

// Append writes data to the end of the file and returns the offset it
// was written at plus its own MD5 and adler32 (the values the caller
// records in the sequence row). The rolling whole-file MD5 is advanced
// unconditionally.
func (vf *File) Append(data []byte) (offset int64, md5sum [16]byte, crc uint32, err error) {
	offset = vf.size

	n, err := vf.f.WriteAt(data, offset)
	if err != nil {
		return 0, [16]byte{}, 0, Error.Wrap(err)
	}
	if err := vf.f.Sync(); err != nil {
		return 0, [16]byte{}, 0, Error.Wrap(err)
	}

	vf.size += int64(n)
	_, _ = vf.roll.Write(data)

	sum := md5.Sum(data)
	return offset, sum, adler32.Checksum(data), nil
}

// RollingHash returns the MD5 over every byte appended so far.
func (vf *File) RollingHash() []byte {
	sum := vf.roll.Sum(nil)
	return sum
}

// Close flushes and releases the OS file handle. It does not seal the
// file's bookkeeping row — callers do that via metadata.DB.SealValueFile.
func (vf *File) Close() error {
	return Error.Wrap(vf.f.Close())
}
