// Package notify publishes execution log entries to NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"ad-rule-engine/internal/engine"
)

// Header names set on every published entry.
const (
	HeaderRuleID = "Rule-ID"
	HeaderStatus = "Status"
	HeaderKind   = "Kind"
)

type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// Publisher implements engine.Notifier over a core NATS connection.
type Publisher struct {
	conn   msgPublisher
	nc     *nats.Conn
	prefix string
}

// Connect dials url and reconnects forever in the background.
func Connect(url, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("ad-rule-engine"),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(time.Second),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p := newPublisher(nc, prefix)
	p.nc = nc
	return p, nil
}

func newPublisher(conn msgPublisher, prefix string) *Publisher {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "automation"
	}
	return &Publisher{conn: conn, prefix: prefix}
}

// Subject returns the subject an entry for ruleID is published on.
func (p *Publisher) Subject(ruleID string) string {
	return p.prefix + ".executions." + subjectToken(ruleID)
}

// subjectToken keeps rule ids from introducing extra subject levels or wildcards.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

func (p *Publisher) message(entry engine.ExecutionLogEntry) (*nats.Msg, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal entry %s: %w", entry.ID, err)
	}
	msg := nats.NewMsg(p.Subject(entry.RuleID))
	msg.Data = data
	msg.Header.Set(HeaderRuleID, entry.RuleID)
	msg.Header.Set(HeaderStatus, string(entry.Status))
	msg.Header.Set(HeaderKind, string(entry.Kind))
	msg.Header.Set(nats.MsgIdHdr, entry.ID)
	return msg, nil
}

func (p *Publisher) PublishExecution(ctx context.Context, entry engine.ExecutionLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := p.message(entry)
	if err != nil {
		return err
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains pending messages before closing the connection.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("nats drain")
		p.nc.Close()
	}
}

var _ engine.Notifier = (*Publisher)(nil)
