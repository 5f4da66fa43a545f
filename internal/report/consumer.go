package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/portfolio-briefing/internal/models"
)

// WriterConsumer writes each report as markdown to an io.Writer
type WriterConsumer struct {
	mu   sync.Mutex
	w    io.Writer
	opts Options
}

// NewWriterConsumer creates a consumer writing to w
func NewWriterConsumer(w io.Writer, opts Options) *WriterConsumer {
	return &WriterConsumer{w: w, opts: opts}
}

// Consume writes a heading for the owner and date followed by the report
func (c *WriterConsumer) Consume(ctx context.Context, owner *models.Owner, date time.Time, current *models.Snapshot, r *models.ChangeReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := fmt.Fprintf(c.w, "# Portfolio briefing for %s on %s\n\n%s\n", owner.ID, models.DateKey(date), RenderMarkdown(current, r, c.opts)); err != nil {
		return fmt.Errorf("write report for %s: %w", owner.ID, err)
	}
	return nil
}

// DirConsumer writes each report as an HTML file at {dir}/{owner}/{date}.html
type DirConsumer struct {
	dir  string
	opts Options
}

// NewDirConsumer creates a consumer writing under dir
func NewDirConsumer(dir string, opts Options) *DirConsumer {
	return &DirConsumer{dir: dir, opts: opts}
}

// Path returns the file a report for owner and date is written to. The
// owner id must be a single local path element so reports stay under dir.
func (c *DirConsumer) Path(ownerID string, date time.Time) (string, error) {
	if ownerID == "." || !filepath.IsLocal(ownerID) || strings.ContainsAny(ownerID, `/\`) {
		return "", fmt.Errorf("owner id %q is not a valid report directory name", ownerID)
	}
	return filepath.Join(c.dir, ownerID, models.DateKey(date)+".html"), nil
}

// Consume renders the report and replaces any existing file for the same day
func (c *DirConsumer) Consume(ctx context.Context, owner *models.Owner, date time.Time, current *models.Snapshot, r *models.ChangeReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := c.Path(owner.ID, date)
	if err != nil {
		return err
	}

	html, err := RenderHTML(current, r, c.opts)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(html), 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}
