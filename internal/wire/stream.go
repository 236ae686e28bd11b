package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// ProgressFunc reports bytes moved so far against the known total.
type ProgressFunc func(transferred, total int64)

// SendFile streams path over w as a sequence of FILE_CHUNK frames (header
// then exactly size raw bytes, repeated until EOF) and returns its hex
// SHA-256 checksum. The final chunk may be smaller than ChunkSize.
func SendFile(w io.Writer, path string, total int64, progress ProgressFunc) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("wire: open %s: %w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, ChunkSize)
	var sent int64

	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			hasher.Write(chunk)

			if werr := WriteMessage(w, New(FILE_CHUNK, Payload{"size": n})); werr != nil {
				return "", werr
			}
			if _, werr := w.Write(chunk); werr != nil {
				return "", fmt.Errorf("wire: write chunk body: %w", werr)
			}

			sent += int64(n)
			if progress != nil {
				progress(sent, total)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("wire: read %s: %w", path, err)
		}
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ReceiveFile reads exactly expectedSize bytes from r via successive
// FILE_CHUNK frames, writing them to destPath and returning the running
// SHA-256 checksum of what was written.
func ReceiveFile(r io.Reader, destPath string, expectedSize int64, progress ProgressFunc) (string, error) {
	f, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("wire: create %s: %w", destPath, err)
	}
	defer f.Close()

	hasher := sha256.New()
	var received int64

	for received < expectedSize {
		msg, err := ReadMessage(r)
		if err != nil {
			return "", err
		}
		if msg == nil {
			return "", fmt.Errorf("wire: connection closed mid-transfer at %d/%d bytes", received, expectedSize)
		}
		if msg.Type != FILE_CHUNK {
			return "", fmt.Errorf("wire: expected FILE_CHUNK, got %s", msg.Type)
		}

		size, ok := msg.Payload["size"].(float64)
		if !ok {
			return "", fmt.Errorf("wire: FILE_CHUNK missing size field")
		}

		chunk, err := ReadChunkBody(r, int(size))
		if err != nil {
			return "", err
		}

		hasher.Write(chunk)
		if _, err := f.Write(chunk); err != nil {
			return "", fmt.Errorf("wire: write %s: %w", destPath, err)
		}

		received += int64(size)
		if progress != nil {
			progress(received, expectedSize)
		}
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ChecksumFile computes the hex SHA-256 checksum of path with streaming
// 64KiB reads.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("wire: open %s: %w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.CopyBuffer(hasher, f, make([]byte, ChunkSize)); err != nil {
		return "", fmt.Errorf("wire: checksum %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
