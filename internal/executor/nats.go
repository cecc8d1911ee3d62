package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/roach88/settle/internal/ir"
)

const (
	// DefaultSubjectPrefix namespaces instruction and ack subjects.
	DefaultSubjectPrefix = "settle.executor"

	natsAckSuffix    = "acks"
	natsFlushTimeout = 5 * time.Second
)

// NATSConfig configures the NATS executor.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Logger        *slog.Logger
}

// NATS publishes instructions as JSON to "<prefix>.<kind>" and consumes
// executor acks from "<prefix>.acks".
type NATS struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	prefix string
	acks   chan ir.Ack
	logger *slog.Logger
}

// instructionMessage is the wire form of an instruction. Amounts are
// strings so that consumers in any language read them without precision
// loss.
type instructionMessage struct {
	ID            string `json:"instruction_id"`
	Kind          string `json:"kind"`
	TransferID    string `json:"transfer_id,omitempty"`
	ContributorID string `json:"contributor_id,omitempty"`
	PeriodID      string `json:"period_id,omitempty"`
	Amount        string `json:"amount"`
	Destination   string `json:"destination"`
	Attempt       int    `json:"attempt"`
}

type ackMessage struct {
	InstructionID string `json:"instruction_id"`
	OK            bool   `json:"ok"`
	Reason        string `json:"reason,omitempty"`
}

// DialNATS connects to the server at cfg.URL and subscribes to acks.
func DialNATS(cfg NATSConfig) (*NATS, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	conn, err := nats.Connect(cfg.URL, nats.Name("settle"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.URL, err)
	}

	n := &NATS{
		conn:   conn,
		prefix: cfg.SubjectPrefix,
		acks:   make(chan ir.Ack, ackBuffer),
		logger: cfg.Logger,
	}
	n.sub, err = conn.Subscribe(n.AckSubject(), n.handleAck)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", n.AckSubject(), err)
	}
	return n, nil
}

// Subject returns the subject instructions of kind are published on.
func (n *NATS) Subject(kind ir.InstructionKind) string {
	return fmt.Sprintf("%s.%s", n.prefix, kind)
}

// AckSubject returns the subject acks are consumed from.
func (n *NATS) AckSubject() string {
	return fmt.Sprintf("%s.%s", n.prefix, natsAckSuffix)
}

// Submit publishes the instruction and flushes the connection.
func (n *NATS) Submit(ctx context.Context, in ir.Instruction) error {
	payload, err := encodeInstruction(in)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.Subject(in.Kind), payload); err != nil {
		return fmt.Errorf("publish instruction %s: %w", in.ID, err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, natsFlushTimeout)
	defer cancel()
	if err := n.conn.FlushWithContext(flushCtx); err != nil {
		return fmt.Errorf("flush instruction %s: %w", in.ID, err)
	}
	return nil
}

// Acks returns acks received from the executor.
func (n *NATS) Acks() <-chan ir.Ack {
	return n.acks
}

// Close unsubscribes and drains the connection.
func (n *NATS) Close() error {
	if n.sub != nil {
		if err := n.sub.Unsubscribe(); err != nil {
			n.logger.Warn("failed to unsubscribe from acks", "error", err)
		}
	}
	return n.conn.Drain()
}

func (n *NATS) handleAck(msg *nats.Msg) {
	a, err := decodeAck(msg.Data)
	if err != nil {
		n.logger.Warn("dropping malformed executor ack",
			"subject", msg.Subject,
			"bytes", len(msg.Data),
			"error", err)
		return
	}
	n.acks <- a
}

func encodeInstruction(in ir.Instruction) ([]byte, error) {
	payload, err := json.Marshal(instructionMessage{
		ID:            in.ID,
		Kind:          string(in.Kind),
		TransferID:    in.TransferID,
		ContributorID: in.ContributorID,
		PeriodID:      in.PeriodID,
		Amount:        ir.U64(in.Amount),
		Destination:   in.Destination,
		Attempt:       in.Attempt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode instruction %s: %w", in.ID, err)
	}
	return payload, nil
}

func decodeAck(data []byte) (ir.Ack, error) {
	var m ackMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ir.Ack{}, fmt.Errorf("decode ack: %w", err)
	}
	if m.InstructionID == "" {
		return ir.Ack{}, fmt.Errorf("decode ack: missing instruction_id")
	}
	return ir.Ack{InstructionID: m.InstructionID, OK: m.OK, Reason: m.Reason}, nil
}
