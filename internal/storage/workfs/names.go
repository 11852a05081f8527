package workfs

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/zhu-jl18/novel-proofer/internal/models"
)

var (
	jobIDRe         = regexp.MustCompile(`^[0-9a-f]{32}$`)
	filenameStripRe = regexp.MustCompile(`[^0-9A-Za-z\x{4e00}-\x{9fff}\x{3400}-\x{4dbf}\x{3000}-\x{303f}\x{FF00}-\x{FFEF}._ -]+`)
)

// NewJobID generates a fresh random 128-bit id rendered as 32 hex chars.
func NewJobID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// ValidateJobID normalizes and validates a job id.
func ValidateJobID(jobID string) (string, error) {
	jobID = strings.ToLower(strings.TrimSpace(jobID))
	if !jobIDRe.MatchString(jobID) {
		return "", fmt.Errorf("%w: invalid job_id", models.ErrInvalidInput)
	}
	return jobID, nil
}

// SafeFilename reduces a client-supplied filename to a safe basename.
func SafeFilename(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	base = strings.ReplaceAll(base, "\\", "_")
	base = strings.ReplaceAll(base, "/", "_")
	base = strings.TrimSpace(base)
	if base == "" || base == "." || base == ".." {
		return "input.txt"
	}
	base = filenameStripRe.ReplaceAllString(base, "_")
	runes := []rune(base)
	if len(runes) > 200 {
		base = string(runes[:200])
	}
	return base
}

// DeriveOutputFilename builds the output name from the input name and a
// suffix inserted before the extension. Empty suffix falls back to "_rev".
func DeriveOutputFilename(inputName, suffix string) string {
	inputName = SafeFilename(inputName)
	suffix = strings.TrimSpace(suffix)
	if suffix == "" {
		suffix = "_rev"
	}

	ext := filepath.Ext(inputName)
	stem := strings.TrimSuffix(inputName, ext)
	if stem == "" {
		stem = "output"
	}
	if ext == "" {
		ext = ".txt"
	}

	return SafeFilename(stem + suffix + ext)
}
