package storage

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// UploadPolicy constrains incoming file uploads before staging.
type UploadPolicy struct {
	MaxFileBytes int64
	MimeTypes    []string
	Extensions   []string
}

// Validate checks a file against the policy.
func (p *UploadPolicy) Validate(fileName, contentType string, sizeBytes int64) error {
	if p == nil {
		return nil // No policy means no restrictions
	}

	if p.MaxFileBytes > 0 && sizeBytes > p.MaxFileBytes {
		return fmt.Errorf("file size %d bytes exceeds maximum %d bytes", sizeBytes, p.MaxFileBytes)
	}

	if len(p.MimeTypes) > 0 && !p.matchesMimeType(contentType) {
		return fmt.Errorf("content type %s is not allowed. Allowed types: %v", contentType, p.MimeTypes)
	}

	if len(p.Extensions) > 0 && !p.matchesExtension(fileName) {
		return fmt.Errorf("file extension is not allowed. Allowed extensions: %v", p.Extensions)
	}

	return nil
}

// matchesMimeType checks if contentType matches any of the allowed MIME type patterns
func (p *UploadPolicy) matchesMimeType(contentType string) bool {
	// Parse the content type (handle parameters like "text/csv; charset=utf-8")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}

	for _, allowed := range p.MimeTypes {
		// Support wildcard patterns like "text/*"
		if strings.HasSuffix(allowed, "/*") {
			prefix := strings.TrimSuffix(allowed, "/*")
			if strings.HasPrefix(mediaType, prefix+"/") {
				return true
			}
		} else if mediaType == allowed {
			return true
		}
	}
	return false
}

// matchesExtension checks if fileName has an allowed extension
func (p *UploadPolicy) matchesExtension(fileName string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	if ext == "" {
		return false
	}

	for _, allowed := range p.Extensions {
		if ext == strings.ToLower(strings.TrimPrefix(allowed, ".")) {
			return true
		}
	}
	return false
}
