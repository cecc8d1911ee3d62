package executor

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/settle/internal/ir"
)

func TestEncodeInstruction(t *testing.T) {
	payload, err := encodeInstruction(ir.Instruction{
		ID:          "ins-1",
		Kind:        ir.KindRelease,
		TransferID:  "tx-1",
		Amount:      math.MaxUint64,
		Destination: "0xrecipient",
		Attempt:     2,
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, "ins-1", got["instruction_id"])
	assert.Equal(t, "release", got["kind"])
	assert.Equal(t, "18446744073709551615", got["amount"])
	assert.Equal(t, float64(2), got["attempt"])
	assert.NotContains(t, got, "contributor_id")
}

func TestDecodeAck(t *testing.T) {
	a, err := decodeAck([]byte(`{"instruction_id":"ins-1","ok":false,"reason":"insufficient liquidity"}`))
	require.NoError(t, err)
	assert.Equal(t, ir.Ack{InstructionID: "ins-1", OK: false, Reason: "insufficient liquidity"}, a)

	_, err = decodeAck([]byte(`{"ok":true}`))
	assert.Error(t, err)

	_, err = decodeAck([]byte(`not json`))
	assert.Error(t, err)
}

func TestNATS_Subjects(t *testing.T) {
	n := &NATS{prefix: DefaultSubjectPrefix}
	assert.Equal(t, "settle.executor.payout", n.Subject(ir.KindPayout))
	assert.Equal(t, "settle.executor.fee_treasury", n.Subject(ir.KindFeeTreasury))
	assert.Equal(t, "settle.executor.acks", n.AckSubject())
}

func TestNATS_HandleAck(t *testing.T) {
	n := &NATS{
		prefix: DefaultSubjectPrefix,
		acks:   make(chan ir.Ack, 2),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	n.handleAck(&nats.Msg{Subject: n.AckSubject(), Data: []byte(`{"instruction_id":"ins-1","ok":true}`)})
	n.handleAck(&nats.Msg{Subject: n.AckSubject(), Data: []byte(`garbage`)})

	require.Len(t, n.acks, 1, "malformed acks are dropped")
	a := <-n.Acks()
	assert.Equal(t, "ins-1", a.InstructionID)
	assert.True(t, a.OK)
}
