package feed

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/panelfeed/pkg/panel"
)

// Publisher writes change events onto their session/collection topic.
type Publisher struct {
	pub message.Publisher
}

func NewPublisher(pub message.Publisher) (*Publisher, error) {
	if pub == nil {
		return nil, errors.New("feed publisher: publisher is nil")
	}
	return &Publisher{pub: pub}, nil
}

func (p *Publisher) Publish(ctx context.Context, ev panel.ChangeEvent) error {
	if p == nil || p.pub == nil {
		return errors.New("feed publisher is not initialized")
	}
	if ev.ID == "" && ev.Record != nil {
		ev.ID = ev.Record.ID
	}
	if err := ev.Validate(); err != nil {
		return errors.Wrap(err, "feed publisher")
	}
	payload, err := ev.Marshal()
	if err != nil {
		return errors.Wrap(err, "feed publisher: encode")
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	msg.Metadata.Set("session_id", ev.SessionID)
	msg.Metadata.Set("collection", ev.Collection)
	msg.Metadata.Set("event_type", string(ev.Type))
	return p.pub.Publish(Topic(ev.SessionID, ev.Collection), msg)
}
