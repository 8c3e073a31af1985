// internal/parser/detector.go
package parser

import (
	"bytes"
	"path/filepath"
	"strings"
)

type FileType string

const (
	FileTypeFIT     FileType = "fit"
	FileTypeTCX     FileType = "tcx"
	FileTypeGPX     FileType = "gpx"
	FileTypeUnknown FileType = "unknown"
)

// sniffLen is how much of a file is inspected when detecting its type.
const sniffLen = 512

// DetectFileTypeFromData identifies a file by its content.
func DetectFileTypeFromData(data []byte) FileType {
	// FIT files carry ".FIT" at bytes 8-11 of a 12 or 14 byte header
	if len(data) >= 12 && bytes.Equal(data[8:12], []byte(".FIT")) {
		return FileTypeFIT
	}

	head := data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	head = bytes.TrimPrefix(head, []byte("\xef\xbb\xbf"))
	head = bytes.TrimLeft(head, " \t\r\n")
	if !bytes.HasPrefix(head, []byte("<")) {
		return FileTypeUnknown
	}
	switch {
	case bytes.Contains(head, []byte("<gpx")), bytes.Contains(head, []byte("topografix.com/GPX")):
		return FileTypeGPX
	case bytes.Contains(head, []byte("TrainingCenterDatabase")):
		return FileTypeTCX
	}
	return FileTypeUnknown
}

// DetectFileTypeFromName uses the file extension only.
func DetectFileTypeFromName(name string) FileType {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".fit":
		return FileTypeFIT
	case ".gpx":
		return FileTypeGPX
	case ".tcx":
		return FileTypeTCX
	}
	return FileTypeUnknown
}
