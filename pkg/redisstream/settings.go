package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

// Settings holds the change-feed transport configuration. When Enabled is false the
// feed runs over an in-process watermill gochannel.
type Settings struct {
	Enabled bool   `glazed:"redis-enabled"`
	Addr    string `glazed:"redis-addr"`
	// BufferSize is the per-subscriber output buffer of the in-process transport.
	BufferSize int `glazed:"feed-buffer-size"`
}

// NewSection returns the section definition for feed transport settings.
func NewSection() (schema.Section, error) {
	return schema.NewSection(
		"redis",
		"Change feed transport (in-process or Redis Streams)",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool, fields.WithDefault(false),
				fields.WithHelp("Carry the change feed over Redis Streams instead of in-process")),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault("localhost:6379"),
				fields.WithHelp("Redis address host:port")),
			fields.New("feed-buffer-size", fields.TypeInteger, fields.WithDefault(256),
				fields.WithHelp("Per-subscriber buffer of the in-process transport")),
		),
	)
}
