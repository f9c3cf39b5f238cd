package trace

import (
	"bufio"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// VerifyError pinpoints the first chain violation.
type VerifyError struct {
	Line     int
	Index    uint64
	Expected string
	Actual   string
	Reason   string
}

func (e *VerifyError) Error() string {
	if e.Expected != "" || e.Actual != "" {
		return fmt.Sprintf("trace: %s at line %d (i=%d)\nexpected: %s\nactual:   %s",
			e.Reason, e.Line, e.Index, e.Expected, e.Actual)
	}
	return fmt.Sprintf("trace: %s at line %d (i=%d)", e.Reason, e.Line, e.Index)
}

// Verify walks a trace log and checks the full chain: gapless indices,
// prev-hash linkage, and recomputed entry hashes. When pub is non-nil each
// present signature is verified against the entry hash. It returns the
// number of entries processed; the error, if any, names the offending line.
func Verify(r io.Reader, pub ed25519.PublicKey) (uint64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	rolling := GenesisHash
	var expected uint64
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return expected, fmt.Errorf("trace: parse line %d: %w", lineNum, err)
		}

		if entry.I != expected {
			return expected, &VerifyError{
				Line: lineNum, Index: entry.I, Reason: "sequence break",
				Expected: fmt.Sprintf("i=%d", expected),
				Actual:   fmt.Sprintf("i=%d", entry.I),
			}
		}
		if entry.PrevHash != rolling {
			return expected, &VerifyError{
				Line: lineNum, Index: entry.I, Reason: "hash chain broken",
				Expected: rolling, Actual: entry.PrevHash,
			}
		}

		frameBytes, err := canonicalizeRaw(entry.Frame)
		if err != nil {
			return expected, fmt.Errorf("trace: canonicalize line %d: %w", lineNum, err)
		}
		h := sha256.New()
		h.Write([]byte(rolling))
		h.Write(frameBytes)
		computed := hex.EncodeToString(h.Sum(nil))
		if computed != entry.Hash {
			return expected, &VerifyError{
				Line: lineNum, Index: entry.I, Reason: "integrity check failed",
				Expected: computed, Actual: entry.Hash,
			}
		}

		if entry.Signature != "" && pub != nil {
			sig, err := hex.DecodeString(entry.Signature)
			if err != nil {
				return expected, fmt.Errorf("trace: bad signature encoding at line %d: %w", lineNum, err)
			}
			if !ed25519.Verify(pub, []byte(entry.Hash), sig) {
				return expected, &VerifyError{
					Line: lineNum, Index: entry.I, Reason: "signature verification failed",
				}
			}
		}

		rolling = entry.Hash
		expected++
	}
	if err := scanner.Err(); err != nil {
		return expected, fmt.Errorf("trace: read: %w", err)
	}
	return expected, nil
}

// VerifyFile verifies the trace log at path.
func VerifyFile(path string, pub ed25519.PublicKey) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("trace: open %s: %w", path, err)
	}
	defer f.Close()
	return Verify(f, pub)
}
