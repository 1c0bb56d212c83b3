package source

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/wadispatch/internal/model"
)

// FileSource reads content and recipients from a YAML file.
// The file is re-read on every call so edits apply to the next run.
type FileSource struct {
	path string
	loc  *time.Location
	now  func() time.Time
}

type fileContent struct {
	model.Content `yaml:",inline"`
	Date          string `yaml:"date"` // YYYY-MM-DD, empty matches any day
	Approved      bool   `yaml:"approved"`
}

type fileData struct {
	Contents   []fileContent     `yaml:"contents"`
	Recipients []model.Recipient `yaml:"recipients"`
}

// NewFileSource creates a file source resolving "today" in loc
func NewFileSource(path string, loc *time.Location) *FileSource {
	if loc == nil {
		loc = time.UTC
	}
	return &FileSource{path: path, loc: loc, now: time.Now}
}

func (s *FileSource) read() (*fileData, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read source file: %w", err)
	}
	var fd fileData
	if err := yaml.Unmarshal(data, &fd); err != nil {
		return nil, fmt.Errorf("failed to parse source file: %w", err)
	}
	return &fd, nil
}

// GetApprovedContentForToday returns the approved entry dated today, or an
// undated approved entry when none is dated today
func (s *FileSource) GetApprovedContentForToday(ctx context.Context) (*model.Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fd, err := s.read()
	if err != nil {
		return nil, err
	}

	today := s.now().In(s.loc).Format("2006-01-02")
	var fallback *model.Content
	for i := range fd.Contents {
		c := fd.Contents[i]
		if !c.Approved {
			continue
		}
		switch c.Date {
		case today:
			out := c.Content
			return &out, nil
		case "":
			if fallback == nil {
				out := c.Content
				fallback = &out
			}
		}
	}
	return fallback, nil
}

// GetActiveRecipients returns every recipient whose status is active
func (s *FileSource) GetActiveRecipients(ctx context.Context) ([]model.Recipient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fd, err := s.read()
	if err != nil {
		return nil, err
	}

	out := make([]model.Recipient, 0, len(fd.Recipients))
	for _, r := range fd.Recipients {
		if !active(r.Status) {
			continue
		}
		if r.Tier == "" {
			r.Tier = model.TierBasic
		}
		out = append(out, r)
	}
	return out, nil
}

// Close is a no-op
func (s *FileSource) Close() error { return nil }
