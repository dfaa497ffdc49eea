package models

import (
	"fmt"
	"time"
)

type FileStatus string

const (
	FileUploading FileStatus = "uploading"
	FileScanning  FileStatus = "scanning"
	FileReady     FileStatus = "ready"
	FileBlocked   FileStatus = "blocked"
)

var fileTransitions = map[FileStatus][]FileStatus{
	FileUploading: {FileScanning, FileBlocked},
	FileScanning:  {FileReady, FileBlocked},
}

func ParseFileStatus(s string) (FileStatus, error) {
	switch st := FileStatus(s); st {
	case FileUploading, FileScanning, FileReady, FileBlocked:
		return st, nil
	}
	return "", fmt.Errorf("unknown file status %q", s)
}

// IsFinal reports whether the pipeline is done with the file.
func (s FileStatus) IsFinal() bool { return s == FileReady || s == FileBlocked }

func (s FileStatus) CanTransition(to FileStatus) bool {
	for _, next := range fileTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// FileRecord tracks one uploaded file and its pipeline outcome.
type FileRecord struct {
	ID               string           `json:"id"`
	SessionID        string           `json:"sessionId"`
	ParticipantID    string           `json:"participantId"`
	StorageKey       string           `json:"storageKey"`
	Filename         string           `json:"filename"`
	DeclaredMimeType string           `json:"declaredMimeType"`
	SizeBytes        int64            `json:"size"`
	Status           FileStatus       `json:"status"`
	SHA256           string           `json:"sha256,omitempty"`
	DetectedMimeType string           `json:"detectedMimeType,omitempty"`
	PreviewKey       string           `json:"-"`
	PreviewMetadata  *PreviewMetadata `json:"previewMetadata,omitempty"`
	ScanResult       *ScanResult      `json:"scanResult,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UploadedAt       *time.Time       `json:"uploadedAt,omitempty"`
	ScannedAt        *time.Time       `json:"scannedAt,omitempty"`
	DeletedAt        *time.Time       `json:"-"`
}

// MimeType prefers the sniffed type over what the client declared.
func (f *FileRecord) MimeType() string {
	if f.DetectedMimeType != "" {
		return f.DetectedMimeType
	}
	return f.DeclaredMimeType
}

type ScanResult struct {
	Clean   bool   `json:"clean"`
	Skipped bool   `json:"skipped,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Reason is the human readable cause for a blocked file.
func (r ScanResult) Reason() string {
	switch {
	case r.Error != "":
		return r.Error
	case r.Detail != "":
		return r.Detail
	case !r.Clean:
		return "infected"
	}
	return ""
}

type PreviewMetadata struct {
	Type          string `json:"type"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	Format        string `json:"format"`
	OriginalSize  int64  `json:"originalSize"`
	ThumbnailSize int64  `json:"thumbnailSize"`
}

type DownloadLog struct {
	FileID        string
	ParticipantID string
	IPAddress     string
	At            time.Time
}
