package wire

import "fmt"

// FileInfo is transfer metadata: logical name, byte size, the sender-side
// absolute path (meaningful only within the sender's own filesystem), an
// optional hex SHA-256 checksum, and a directory flag.
type FileInfo struct {
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Path     string  `json:"path"`
	Checksum *string `json:"checksum"`
	IsDir    bool    `json:"is_dir"`
}

// ToPayload renders f as the map shape a Message.Payload["file"] expects.
func (f FileInfo) ToPayload() Payload {
	var checksum any
	if f.Checksum != nil {
		checksum = *f.Checksum
	}
	return Payload{
		"name":     f.Name,
		"size":     f.Size,
		"path":     f.Path,
		"checksum": checksum,
		"is_dir":   f.IsDir,
	}
}

// FileInfoFromPayload parses the "file" sub-object of a Message payload.
func FileInfoFromPayload(v any) (FileInfo, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return FileInfo{}, fmt.Errorf("wire: file payload is not an object")
	}

	var f FileInfo
	f.Name, _ = m["name"].(string)
	f.Path, _ = m["path"].(string)
	f.IsDir, _ = m["is_dir"].(bool)
	switch sz := m["size"].(type) {
	case float64:
		f.Size = int64(sz)
	case int64:
		f.Size = sz
	}
	if cs, ok := m["checksum"].(string); ok && cs != "" {
		f.Checksum = &cs
	}
	return f, nil
}

// DirEntry is one entry of a LIST_DIR_RESPONSE.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
	Path  string `json:"path"`
}

// TransferProgress reports bytes moved so far for a single transfer.
type TransferProgress struct {
	FileName         string
	BytesTransferred int64
	TotalBytes       int64
	DeviceName       string
	IsUpload         bool
}

// Percent returns the completion ratio as 0-100; a zero-byte file reports
// 100% immediately since there is nothing left to move.
func (p TransferProgress) Percent() float64 {
	if p.TotalBytes == 0 {
		return 100.0
	}
	return (float64(p.BytesTransferred) / float64(p.TotalBytes)) * 100.0
}
