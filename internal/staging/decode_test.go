package staging

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/contract-catalog/internal/errors"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/types"
)

const token = "SP2C2YFP12AJZB4MABJBAJ55XECVS7E4PMMZ89YZR.arkadiko-token"

func fixture(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile("testdata/block.json")
	require.NoError(t, err)
	return string(b)
}

func rawEvent(id, payload string) models.RawEvent {
	return models.RawEvent{
		ID:         id,
		Path:       "/chainhook/stacks",
		ReceivedAt: time.Date(2024, 3, 1, 0, 0, 5, 0, time.UTC),
		Payload:    payload,
	}
}

func TestDecode_WellFormed(t *testing.T) {
	d := Decode(rawEvent("r1", fixture(t)))
	require.Equal(t, WellFormed, d.Shape, "issues: %v", d.Issues)

	require.Len(t, d.Batch.Blocks, 1)
	blk := d.Batch.Blocks[0]
	assert.Equal(t, "0xb1", blk.BlockHash)
	assert.Equal(t, uint64(151234), blk.BlockIndex, "string block index")
	assert.Equal(t, uint32(2), blk.TxCount)
	assert.Equal(t, time.Unix(1709251200, 0).UTC(), blk.Timestamp)

	require.Len(t, d.Batch.Transactions, 2)
	deploy, call := d.Batch.Transactions[0], d.Batch.Transactions[1]
	assert.Equal(t, types.TxContractDeploy, deploy.Kind)
	assert.Equal(t, token, deploy.ContractIdentifier)
	assert.Contains(t, deploy.SourceCode, "define-fungible-token")
	assert.Equal(t, "12000", deploy.Fee, "numeric fee keeps textual form")
	assert.Equal(t, uint64(7), deploy.Nonce)

	assert.Equal(t, types.TxContractCall, call.Kind)
	assert.Equal(t, "transfer", call.FunctionName)
	assert.Len(t, call.FunctionArgs, 4)
	assert.Empty(t, call.SourceCode)

	require.Len(t, d.Batch.Operations, 2, "fee operations are not staged")
	assert.Equal(t, types.OperationDebit, d.Batch.Operations[0].OperationType)
	assert.Equal(t, "2500000", d.Batch.Operations[0].Amount, "sign stripped")
	assert.Equal(t, token+"::diko", d.Batch.Operations[0].Asset)
	assert.Equal(t, uint8(6), d.Batch.Operations[1].Decimals)

	require.Len(t, d.Batch.Events, 2)
	assert.Equal(t, "ft_transfer", d.Batch.Events[0].EventType)
	assert.Equal(t, token, d.Batch.Events[0].ContractIdentifier, "derived from asset identifier")
	assert.Equal(t, "contract_event", d.Batch.Events[1].EventType)
	assert.Equal(t, "0", d.Batch.Events[1].Amount)
}

func TestDecode_BareBlock(t *testing.T) {
	payload := `{"block_identifier":{"index":1,"hash":"0xaa"},"timestamp":"1709251200","transactions":[]}`
	d := Decode(rawEvent("r2", payload))
	require.Equal(t, WellFormed, d.Shape)
	require.Len(t, d.Batch.Blocks, 1)
	assert.Equal(t, "0xaa", d.Batch.Blocks[0].BlockHash)
}

func TestDecode_Partial(t *testing.T) {
	payload := `{"apply":[{"block_identifier":{"index":2,"hash":"0xbb"},"timestamp":1709251200,"transactions":[
		{"transaction_identifier":{"hash":""},"metadata":{}},
		{"transaction_identifier":{"hash":"0xok"},"metadata":{"kind":{"type":"TokenTransfer"}}},
		{"transaction_identifier":{"hash":"0xnonce"},"metadata":{"nonce":"abc"}}
	]}]}`
	d := Decode(rawEvent("r3", payload))

	require.Equal(t, Partial, d.Shape)
	require.Len(t, d.Batch.Transactions, 1)
	assert.Equal(t, types.TxTokenTransfer, d.Batch.Transactions[0].Kind)
	assert.Equal(t, "0", d.Batch.Transactions[0].Fee)
	require.Len(t, d.Issues, 2)
	for _, issue := range d.Issues {
		assert.Equal(t, apperrors.CategoryParse, issue.Category)
	}
}

func TestDecode_Unparseable(t *testing.T) {
	tests := map[string]string{
		"not json":        `{"apply": [`,
		"no blocks":       `{"chainhook": {"uuid": "x"}}`,
		"array":           `[1, 2, 3]`,
		"every block bad": `{"apply":[{"block_identifier":{"hash":""}}]}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			raw := rawEvent("bad", payload)
			d := Decode(raw)
			require.Equal(t, Unparseable, d.Shape)
			require.NotNil(t, d.DeadLetter)
			assert.Equal(t, raw.Payload, d.DeadLetter.Payload, "payload captured verbatim")
			assert.NotEmpty(t, d.DeadLetter.Reason)
			assert.Zero(t, d.Batch.Rows())
		})
	}
}

func TestDecode_RollbackOnly(t *testing.T) {
	d := Decode(rawEvent("r4", `{"apply":[],"rollback":[{"block_identifier":{"hash":"0xold"}}]}`))
	assert.Equal(t, WellFormed, d.Shape)
	assert.Zero(t, d.Batch.Rows())
}

func TestFlexUint(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{`12`, 12, false},
		{`"12"`, 12, false},
		{`null`, 0, false},
		{`""`, 0, false},
		{`1.7e9`, 1700000000, false},
		{`"-1"`, 0, true},
		{`"x"`, 0, true},
	}
	for _, tt := range tests {
		var f flexUint
		err := f.UnmarshalJSON([]byte(tt.in))
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, uint64(f), tt.in)
	}
}
