// Package transcript keeps a plain-text, append-only record of a scenario's
// output for reports and `logs -f`.
package transcript

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	tail "github.com/hpcloud/tail"

	"github.com/dimasma0305/gzstream/internal/gzstream/types"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Path returns the transcript file of scenarioID under dir
func Path(dir, scenarioID string) string {
	return filepath.Join(dir, unsafeChars.ReplaceAllString(scenarioID, "_")+".log")
}

// Format renders one line as it appears in a transcript
func Format(line types.OutputLine) string {
	var b strings.Builder
	b.WriteString(line.Timestamp.Format("2006-01-02 15:04:05"))
	b.WriteString(" [")
	b.WriteString(strings.ToUpper(string(line.Severity)))
	b.WriteString("]")
	if line.AttackID != "" {
		b.WriteString(" [")
		b.WriteString(line.AttackID)
		b.WriteString("]")
	}
	b.WriteString(" ")
	// one transcript line per output line
	b.WriteString(strings.ReplaceAll(line.Content, "\n", " ⏎ "))
	return b.String()
}

// Writer appends flushed batches to a transcript file
type Writer struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Open opens (or creates) the transcript of scenarioID under dir
func Open(dir, scenarioID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	path := Path(dir, scenarioID)
	//nolint:gosec // G304: transcript path is constructed by application
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	return &Writer{file: f, path: path}, nil
}

// Path returns the file being written
func (w *Writer) Path() string {
	return w.path
}

// Append writes a batch; it has the FlushListener shape
func (w *Writer) Append(batch []types.OutputLine) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return os.ErrClosed
	}
	bw := bufio.NewWriter(w.file)
	for _, line := range batch {
		if _, err := bw.WriteString(Format(line) + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Last returns up to n trailing lines of the file at path
func Last(path string, n int) ([]string, error) {
	//nolint:gosec // G304: transcript path is constructed by application
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if n > 0 && len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, sc.Err()
}

// Follow calls fn for every line appended to path until ctx is done. With
// fromStart the existing content is replayed first.
func Follow(ctx context.Context, path string, fromStart bool, fn func(string)) error {
	whence := io.SeekEnd
	if fromStart {
		whence = io.SeekStart
	}
	// re-open and poll so truncation and rotation are survived
	t, err := tail.TailFile(path, tail.Config{
		ReOpen:    true,
		Follow:    true,
		MustExist: false,
		Poll:      true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail transcript: %w", err)
	}
	defer t.Cleanup()
	defer func() { _ = t.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return fmt.Errorf("transcript tail closed: %w", t.Err())
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				return line.Err
			}
			if strings.TrimSpace(line.Text) == "" {
				continue
			}
			fn(line.Text)
		}
	}
}
