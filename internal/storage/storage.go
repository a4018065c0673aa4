// Package storage keeps alert images and the alert/session history.
package storage

import (
	"errors"
	"path"
	"sort"
	"strings"
	"time"
)

// ImageInfo describes one stored alert image
type ImageInfo struct {
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mod_time"`
	ContentType string    `json:"content_type,omitempty"`
}

// StorageError represents a storage operation error
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotExist returns true if the error indicates the object doesn't exist
func IsNotExist(err error) bool {
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.StatusCode == 404
	}
	return false
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// IsImageName reports whether name carries an alert image extension
func IsImageName(name string) bool {
	return imageExtensions[strings.ToLower(path.Ext(name))]
}

// expired returns the images beyond the newest max, oldest first.
// max <= 0 disables retention.
func expired(images []ImageInfo, max int) []ImageInfo {
	if max <= 0 || len(images) <= max {
		return nil
	}
	sorted := make([]ImageInfo, len(images))
	copy(sorted, images)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ModTime.Equal(sorted[j].ModTime) {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].ModTime.Before(sorted[j].ModTime)
	})
	return sorted[:len(sorted)-max]
}

// newestFirst sorts images by modification time, newest first
func newestFirst(images []ImageInfo) {
	sort.SliceStable(images, func(i, j int) bool {
		if images[i].ModTime.Equal(images[j].ModTime) {
			return images[i].Name > images[j].Name
		}
		return images[i].ModTime.After(images[j].ModTime)
	})
}
