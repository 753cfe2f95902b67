package cmds

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"

	"github.com/go-go-golems/panelfeed/pkg/panel"
)

type AskCommand struct {
	*cmds.CommandDescription
}

type AskSettings struct {
	Server    string   `glazed:"server"`
	Session   string   `glazed:"session"`
	Author    string   `glazed:"author"`
	Anonymous bool     `glazed:"anonymous"`
	Content   []string `glazed:"content"`
}

func NewAskCommand() (*AskCommand, error) {
	desc := cmds.NewCommandDescription(
		"ask",
		cmds.WithShort("Submit a question to a session"),
		cmds.WithFlags(
			fields.New("server", fields.TypeString, fields.WithDefault("http://localhost:8080"),
				fields.WithHelp("Base URL of the panelfeed server")),
			fields.New("session", fields.TypeString, fields.WithRequired(true), fields.WithShortFlag("s"),
				fields.WithHelp("Session id")),
			fields.New("author", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("Author name shown next to the question")),
			fields.New("anonymous", fields.TypeBool, fields.WithDefault(false),
				fields.WithHelp("Hide the author name")),
		),
		cmds.WithArguments(
			fields.New("content", fields.TypeStringList, fields.WithRequired(true),
				fields.WithHelp("Question text")),
		),
	)
	return &AskCommand{CommandDescription: desc}, nil
}

func (c *AskCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &AskSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	content := strings.TrimSpace(strings.Join(s.Content, " "))
	if content == "" {
		return errors.New("question content is empty")
	}
	client, err := newAPIClient(s.Server)
	if err != nil {
		return err
	}
	var rec panel.Record
	err = client.do(ctx, http.MethodPost, sessionPath(s.Session, "questions"), map[string]any{
		"content":     content,
		"author_name": s.Author,
		"anonymous":   s.Anonymous,
	}, &rec)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, rec.ID)
	return err
}

var _ cmds.WriterCommand = &AskCommand{}
