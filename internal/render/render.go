// Package render is the report generation child process. It reads one
// recording, renders an HTML summary of it and exits with a status from the
// report exit-code contract.
package render

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/reportd/internal/report"
)

// ChunkMagic starts every chunk of a framed recording.
var ChunkMagic = []byte("FLR\x00")

const previewLen = 256

// Summary is what a report shows about a recording.
type Summary struct {
	Name        string
	Size        int64
	SHA256      string
	Chunks      int
	Preview     string
	GeneratedAt time.Time
}

// Error carries the exit status the child should terminate with.
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("exit %d: %v", e.Code, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// ExitCode maps err to the child's exit status.
func ExitCode(err error) int {
	if err == nil {
		return report.ExitOK
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return report.ExitRenderFailure
}

// Analyze reads r to the end and summarizes it.
func Analyze(ctx context.Context, name string, r io.Reader) (Summary, error) {
	s := Summary{Name: name}
	h := sha256.New()
	preview := make([]byte, 0, previewLen)
	var carry []byte
	buf := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			p := buf[:n]
			h.Write(p)
			s.Size += int64(n)
			if room := previewLen - len(preview); room > 0 {
				preview = append(preview, p[:min(room, n)]...)
			}
			s.Chunks += bytes.Count(p, ChunkMagic)
			// magic split across reads
			edge := append(append([]byte(nil), carry...), p[:min(len(p), len(ChunkMagic)-1)]...)
			s.Chunks += bytes.Count(edge, ChunkMagic)
			tail := p
			if len(p) < len(ChunkMagic)-1 {
				tail = append(carry, p...)
			}
			carry = append([]byte(nil), tail[max(0, len(tail)-(len(ChunkMagic)-1)):]...)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s, err
		}
	}
	s.SHA256 = hex.EncodeToString(h.Sum(nil))
	s.Preview = hex.Dump(preview)
	s.GeneratedAt = time.Now().UTC()
	return s, nil
}

var page = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Recording report: {{.Name}}</title></head>
<body>
<h1>{{.Name}}</h1>
<table>
<tr><th>Size</th><td>{{.Size}} bytes</td></tr>
<tr><th>SHA-256</th><td><code>{{.SHA256}}</code></td></tr>
<tr><th>Chunks</th><td>{{.Chunks}}</td></tr>
<tr><th>Generated</th><td>{{.GeneratedAt.Format "2006-01-02T15:04:05Z07:00"}}</td></tr>
</table>
<h2>Preview</h2>
<pre>{{.Preview}}</pre>
</body>
</html>
`))

// Write renders s as HTML.
func Write(w io.Writer, s Summary) error {
	return page.Execute(w, s)
}

// Run renders input ("-" for stdin) into output.
func Run(ctx context.Context, input, output string, stdin io.Reader) error {
	name := "stdin"
	src := stdin
	if input != report.StdinInput {
		f, err := os.Open(input)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return &Error{Code: report.ExitRecordingNotFound, Err: err}
			}
			return &Error{Code: report.ExitIOFailure, Err: err}
		}
		defer func() { _ = f.Close() }()
		name = filepath.Base(input)
		src = f
	}

	s, err := Analyze(ctx, name, bufio.NewReader(src))
	if err != nil {
		return &Error{Code: report.ExitIOFailure, Err: fmt.Errorf("read recording: %w", err)}
	}

	var out bytes.Buffer
	if err := Write(&out, s); err != nil {
		return &Error{Code: report.ExitRenderFailure, Err: err}
	}
	if err := os.WriteFile(output, out.Bytes(), 0o640); err != nil {
		return &Error{Code: report.ExitIOFailure, Err: fmt.Errorf("write report: %w", err)}
	}
	return nil
}
