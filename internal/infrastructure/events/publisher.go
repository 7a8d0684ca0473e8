package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"forecastcache/internal/bootstrap/logging"
	"forecastcache/internal/errs"
	"forecastcache/internal/ports"
)

// NATSPublisher publishes JSON payloads on <prefix>.<topic>.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

var _ ports.EventPublisher = (*NATSPublisher)(nil)

func NewNATSPublisher(ctx context.Context, url string, prefix string) (*NATSPublisher, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("nats url is required")
	}

	logCtx := logging.WithAttrs(ctx, slog.String("component", "events.nats"))

	conn, err := nats.Connect(
		url,
		nats.Name("forecastcache"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warn(logCtx, "nats disconnected", slog.Any("err", errs.Loggable(err)))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logging.Info(logCtx, "nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errs.Wrapf(err, "connect nats %q", url)
	}

	logging.Info(logCtx, "nats connected", slog.String("url", conn.ConnectedUrl()))
	return &NATSPublisher{conn: conn, prefix: strings.Trim(prefix, ".")}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, topic string, payload any) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, "check context")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(err, "marshal event payload")
	}

	subject := Subject(p.prefix, topic)
	if err := p.conn.Publish(subject, data); err != nil {
		return errs.Wrapf(err, "publish %s", subject)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return errs.Wrap(err, "drain nats connection")
	}
	return nil
}

// NopPublisher is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, any) error { return nil }

func Subject(prefix string, topic string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return topic
	}
	return prefix + "." + topic
}
