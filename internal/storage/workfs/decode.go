package workfs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/zhu-jl18/novel-proofer/internal/models"
)

// ErrUploadTooLarge marks an upload exceeding the configured byte limit.
var ErrUploadTooLarge = errors.New("file too large")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

const probeBytes = 64 * 1024

// WriteInputCacheFromUpload spools the upload to a transient file, decodes
// it to UTF-8 (BOM-stripped UTF-8, then GB18030, then GBK, then permissive
// UTF-8), and publishes the decoded text as the job's input cache. PDF
// uploads have their plain text extracted instead.
func (s *Store) WriteInputCacheFromUpload(jobID, filename string, r io.Reader, limit int64) (err error) {
	tmpUpload, err := s.UploadTmpPath(jobID)
	if err != nil {
		return err
	}
	dst, err := s.InputCachePath(jobID)
	if err != nil {
		return err
	}

	defer func() {
		if rmErr := os.Remove(tmpUpload); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn().Err(rmErr).Str("path", tmpUpload).Msg("Failed to cleanup temp upload")
		}
	}()

	if _, err := spoolLimited(tmpUpload, r, limit); err != nil {
		return err
	}

	if strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return extractPDFToFile(tmpUpload, dst)
	}

	return transcodeFileToUTF8(tmpUpload, dst)
}

// spoolLimited copies r into path, failing once limit bytes are exceeded.
func spoolLimited(path string, r io.Reader, limit int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total int64
	buf := make([]byte, 1024*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if limit > 0 && total > limit {
				return total, fmt.Errorf("%w (> %d bytes)", ErrUploadTooLarge, limit)
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return total, werr
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// detectEncoding probes the head of the file and picks a decoder.
// Returns a nil decoder for UTF-8 input (copied through, BOM stripped).
func detectEncoding(probe []byte) (dec *encoding.Decoder, permissive bool) {
	if bytes.HasPrefix(probe, utf8BOM) {
		return nil, false
	}
	if validUTF8Prefix(probe) {
		return nil, false
	}
	for _, enc := range []encoding.Encoding{simplifiedchinese.GB18030, simplifiedchinese.GBK} {
		decoded, _, err := transform.Bytes(enc.NewDecoder(), probe)
		if err == nil && !bytes.ContainsRune(decoded, utf8.RuneError) {
			return enc.NewDecoder(), false
		}
	}
	return nil, true
}

// validUTF8Prefix reports whether data is valid UTF-8, allowing one
// incomplete rune at the probe boundary.
func validUTF8Prefix(data []byte) bool {
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			// Tolerate a truncated final rune (probe cut mid-sequence).
			return len(data) < utf8.UTFMax && !utf8.FullRune(data)
		}
		data = data[size:]
	}
	return true
}

// transcodeFileToUTF8 streams src into dst as UTF-8 via the detected decoder.
func transcodeFileToUTF8(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	probe := make([]byte, probeBytes)
	n, err := io.ReadFull(in, probe)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return err
	}
	probe = probe[:n]
	if n == probeBytes && n > 4 {
		// Avoid judging a multi-byte sequence cut at the probe boundary.
		probe = probe[:n-4]
	}
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return err
	}

	dec, permissive := detectEncoding(probe)

	out, err := CreateAtomic(dst)
	if err != nil {
		return err
	}
	defer out.Abort()

	var reader io.Reader = bufio.NewReaderSize(in, 1024*1024)
	switch {
	case dec != nil:
		reader = transform.NewReader(reader, dec)
		if _, err := io.Copy(out, reader); err != nil {
			return err
		}
	case permissive:
		if err := copyPermissiveUTF8(out, reader); err != nil {
			return err
		}
	default:
		br := reader.(*bufio.Reader)
		head, _ := br.Peek(len(utf8BOM))
		if bytes.Equal(head, utf8BOM) {
			br.Discard(len(utf8BOM))
		}
		if _, err := io.Copy(out, br); err != nil {
			return err
		}
	}

	return out.Commit()
}

// copyPermissiveUTF8 rewrites invalid byte sequences to U+FFFD.
func copyPermissiveUTF8(w io.Writer, r io.Reader) error {
	br := bufio.NewReaderSize(r, 1024*1024)
	bw := bufio.NewWriter(w)
	for {
		ru, _, err := br.ReadRune()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if _, err := bw.WriteRune(ru); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// extractPDFToFile extracts the plain text of a PDF into dst.
func extractPDFToFile(src, dst string) error {
	f, reader, err := pdf.Open(src)
	if err != nil {
		return fmt.Errorf("%w: failed to open PDF: %v", models.ErrInvalidInput, err)
	}
	defer f.Close()

	text, err := reader.GetPlainText()
	if err != nil {
		return fmt.Errorf("failed to extract PDF text: %w", err)
	}

	out, err := CreateAtomic(dst)
	if err != nil {
		return err
	}
	defer out.Abort()

	if _, err := io.Copy(out, text); err != nil {
		return err
	}
	return out.Commit()
}
