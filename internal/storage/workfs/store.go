// Package workfs implements the on-disk artifact layout for proofreading
// jobs: the final output directory, the decoded input cache, per-job work
// directories (pre/, out/, resp/), and the persisted-state directory. All
// writes go through temp+rename so readers never observe partial files.
package workfs

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/zhu-jl18/novel-proofer/internal/common"
)

const workDirReadme = `This directory holds per-chunk artifacts for one proofreading job.

  pre/NNNNNN.txt   chunk input after deterministic rules
  out/NNNNNN.txt   chunk output accepted from the LLM
  resp/NNNNNN.txt  raw LLM response text (diagnostics)

It is removed after a successful merge unless debug retention was requested.
`

// Store manages the artifact tree under one output root.
type Store struct {
	root   string
	logger *common.Logger
}

// NewStore creates the artifact store, materializing the directory layout.
func NewStore(logger *common.Logger, outputDir string) (*Store, error) {
	s := &Store{root: outputDir, logger: logger}
	for _, dir := range []string{
		outputDir,
		s.inputCacheRoot(),
		s.jobsRoot(),
		s.StateDir(),
		filepath.Join(outputDir, "logs"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create artifact dir %s: %w", dir, err)
		}
	}
	logger.Info().Str("root", outputDir).Msg("Artifact store opened")
	return s, nil
}

// Root returns the output root.
func (s *Store) Root() string { return s.root }

func (s *Store) inputCacheRoot() string { return filepath.Join(s.root, ".inputs") }
func (s *Store) jobsRoot() string       { return filepath.Join(s.root, ".jobs") }

// StateDir is where the job store persists per-job snapshots.
func (s *Store) StateDir() string { return filepath.Join(s.root, ".state", "jobs") }

// InputCachePath returns the decoded UTF-8 input cache file for a job.
func (s *Store) InputCachePath(jobID string) (string, error) {
	jobID, err := ValidateJobID(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.inputCacheRoot(), jobID+".txt"), nil
}

// UploadTmpPath returns the transient upload spool file for a job.
func (s *Store) UploadTmpPath(jobID string) (string, error) {
	jobID, err := ValidateJobID(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.inputCacheRoot(), jobID+".upload.tmp"), nil
}

// WorkDir returns the per-job debug directory path (not created).
func (s *Store) WorkDir(jobID string) (string, error) {
	jobID, err := ValidateJobID(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.jobsRoot(), jobID), nil
}

// EnsureWorkDir creates pre/, out/, resp/ for a job and seeds the README.
func (s *Store) EnsureWorkDir(jobID string) (string, error) {
	workDir, err := s.WorkDir(jobID)
	if err != nil {
		return "", err
	}
	for _, sub := range []string{"pre", "out", "resp"} {
		if err := os.MkdirAll(filepath.Join(workDir, sub), 0o755); err != nil {
			return "", fmt.Errorf("failed to create work dir %s: %w", sub, err)
		}
	}
	readme := filepath.Join(workDir, "README.txt")
	if _, err := os.Stat(readme); os.IsNotExist(err) {
		if err := WriteFileAtomic(readme, []byte(workDirReadme)); err != nil {
			return "", err
		}
	}
	return workDir, nil
}

func chunkFileName(index int) string { return fmt.Sprintf("%06d.txt", index) }

// PreChunkPath is the rule-fixed chunk input file.
func (s *Store) PreChunkPath(jobID string, index int) (string, error) {
	workDir, err := s.WorkDir(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(workDir, "pre", chunkFileName(index)), nil
}

// OutChunkPath is the accepted chunk output file.
func (s *Store) OutChunkPath(jobID string, index int) (string, error) {
	workDir, err := s.WorkDir(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(workDir, "out", chunkFileName(index)), nil
}

// RespChunkPath is the raw LLM response file.
func (s *Store) RespChunkPath(jobID string, index int) (string, error) {
	workDir, err := s.WorkDir(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(workDir, "resp", chunkFileName(index)), nil
}

// OutputFilePath is the final merged manuscript location for a job.
func (s *Store) OutputFilePath(jobID, outputFilename string) (string, error) {
	jobID, err := ValidateJobID(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, jobID+"_"+SafeFilename(outputFilename)), nil
}

// guardedRemove verifies target sits strictly inside root before removal.
func guardedRemove(root, target string, recursive bool) (bool, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false, err
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(absRoot, absTarget)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false, fmt.Errorf("refusing to remove %s outside %s", target, root)
	}
	if _, err := os.Stat(absTarget); os.IsNotExist(err) {
		return false, nil
	}
	if recursive {
		return true, os.RemoveAll(absTarget)
	}
	return true, os.Remove(absTarget)
}

// CleanupWorkDir deletes the per-job work directory.
func (s *Store) CleanupWorkDir(jobID string) (bool, error) {
	workDir, err := s.WorkDir(jobID)
	if err != nil {
		return false, err
	}
	return guardedRemove(s.jobsRoot(), workDir, true)
}

// CleanupInputCache deletes the decoded input cache for a job.
func (s *Store) CleanupInputCache(jobID string) (bool, error) {
	p, err := s.InputCachePath(jobID)
	if err != nil {
		return false, err
	}
	return guardedRemove(s.inputCacheRoot(), p, false)
}

// CopyInputCache duplicates a job's decoded input for a rerun, verifying
// the copy against the source checksum.
func (s *Store) CopyInputCache(srcJobID, dstJobID string) error {
	src, err := s.InputCachePath(srcJobID)
	if err != nil {
		return err
	}
	dst, err := s.InputCachePath(dstJobID)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + tmpSuffix()
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	srcSum, err := FileChecksum(src)
	if err == nil {
		dstSum, cerr := FileChecksum(tmp)
		if cerr == nil && srcSum != dstSum {
			os.Remove(tmp)
			return fmt.Errorf("input cache copy checksum mismatch for %s", srcJobID)
		}
	}

	return renameWithRetry(tmp, dst)
}

// CountInputChars counts non-whitespace characters in the decoded input.
func (s *Store) CountInputChars(jobID string) (int, error) {
	p, err := s.InputCachePath(jobID)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	br := bufio.NewReader(f)
	for {
		r, _, err := br.ReadRune()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n, nil
}
