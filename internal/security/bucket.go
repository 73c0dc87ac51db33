// Package security validates caller-supplied resource names before they
// reach the store or the storage provider
package security

import (
	"errors"
	"net"
	"strings"
)

var (
	ErrEmptyName     = errors.New("bucket name cannot be empty")
	ErrNameLength    = errors.New("bucket name must be between 3 and 255 characters")
	ErrInvalidName   = errors.New("bucket name contains invalid characters")
	ErrNameTraversal = errors.New("bucket name contains traversal sequences")
	ErrNameEdge      = errors.New("bucket name must begin and end with a letter or digit")
	ErrNameIPAddress = errors.New("bucket name must not be formatted as an IP address")
)

// ValidateBucketName accepts current S3 bucket names and the legacy
// us-east-1 form, which also allows upper case, underscores and up to 255
// characters. Separators, control characters and ".." are always rejected.
func ValidateBucketName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	if len(name) < 3 || len(name) > 255 {
		return ErrNameLength
	}
	if strings.Contains(name, "..") {
		return ErrNameTraversal
	}
	for _, r := range name {
		if !isBucketChar(r) {
			return ErrInvalidName
		}
	}
	if !isAlnum(rune(name[0])) || !isAlnum(rune(name[len(name)-1])) {
		return ErrNameEdge
	}
	if net.ParseIP(name) != nil {
		return ErrNameIPAddress
	}
	return nil
}

func isBucketChar(r rune) bool {
	return isAlnum(r) || r == '.' || r == '-' || r == '_'
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
