// Package seed pre-creates sessions' questions and polls from a YAML file.
package seed

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/panelfeed/pkg/panel"
	"github.com/go-go-golems/panelfeed/pkg/store"
)

type Question struct {
	Content   string `yaml:"content"`
	Author    string `yaml:"author"`
	Anonymous bool   `yaml:"anonymous"`
	Answered  bool   `yaml:"answered"`
}

type Poll struct {
	Question string             `yaml:"question"`
	Active   *bool              `yaml:"active"`
	Options  []panel.PollOption `yaml:"options"`
}

type Session struct {
	ID        string     `yaml:"id"`
	Questions []Question `yaml:"questions"`
	Polls     []Poll     `yaml:"polls"`
}

type File struct {
	Sessions []Session `yaml:"sessions"`
}

func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read seed file")
	}
	return Parse(b)
}

func Parse(b []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "parse seed file")
	}
	for i, s := range f.Sessions {
		if strings.TrimSpace(s.ID) == "" {
			return nil, errors.Errorf("seed session %d has no id", i)
		}
	}
	return &f, nil
}

// Apply inserts every seeded record through w, so a notifying writer also publishes them.
func (f *File) Apply(ctx context.Context, w store.Writer) error {
	for _, s := range f.Sessions {
		for _, q := range s.Questions {
			m, err := w.Insert(ctx, panel.CollectionQuestions, panel.Record{
				SessionID:  s.ID,
				Content:    q.Content,
				AuthorName: q.Author,
				Anonymous:  q.Anonymous,
			})
			if err != nil {
				return errors.Wrapf(err, "seed question in %s", s.ID)
			}
			if q.Answered {
				rec := m.Record
				rec.Answered = true
				if _, err := w.Update(ctx, panel.CollectionQuestions, rec); err != nil {
					return errors.Wrapf(err, "seed answered question in %s", s.ID)
				}
			}
		}
		for _, p := range s.Polls {
			active := p.Active == nil || *p.Active
			if _, err := w.Insert(ctx, panel.CollectionPolls, panel.Record{
				SessionID: s.ID,
				Content:   p.Question,
				Options:   p.Options,
				Active:    active,
			}); err != nil {
				return errors.Wrapf(err, "seed poll in %s", s.ID)
			}
		}
		log.Info().Str("component", "seed").Str("session_id", s.ID).
			Int("questions", len(s.Questions)).Int("polls", len(s.Polls)).Msg("seeded session")
	}
	return nil
}
