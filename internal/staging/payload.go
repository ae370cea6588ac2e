package staging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// flexUint accepts numbers, numeric strings and null
type flexUint uint64

func (f *flexUint) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		// tolerate floats such as 1.7e9 emitted by some serializers
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || fl < 0 {
			return fmt.Errorf("invalid unsigned number %q", s)
		}
		n = uint64(fl)
	}
	*f = flexUint(n)
	return nil
}

// flexString accepts strings and bare numbers, keeping the textual form
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

type envelope struct {
	Apply    []json.RawMessage `json:"apply"`
	Rollback []json.RawMessage `json:"rollback"`
	// bare block payloads carry the identifier at the top level
	BlockIdentifier *blockIdentifier `json:"block_identifier"`
}

type blockIdentifier struct {
	Index flexUint `json:"index"`
	Hash  string   `json:"hash"`
}

type wireBlock struct {
	BlockIdentifier       blockIdentifier   `json:"block_identifier"`
	ParentBlockIdentifier blockIdentifier   `json:"parent_block_identifier"`
	Timestamp             flexUint          `json:"timestamp"`
	Transactions          []json.RawMessage `json:"transactions"`
}

type wireTransaction struct {
	TransactionIdentifier struct {
		Hash string `json:"hash"`
	} `json:"transaction_identifier"`
	Operations []json.RawMessage `json:"operations"`
	Metadata   struct {
		Success  *bool      `json:"success"`
		Sender   string     `json:"sender"`
		Fee      flexString `json:"fee"`
		Nonce    flexUint   `json:"nonce"`
		Position struct {
			Index flexUint `json:"index"`
		} `json:"position"`
		Kind struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		} `json:"kind"`
		Receipt struct {
			Events []json.RawMessage `json:"events"`
		} `json:"receipt"`
	} `json:"metadata"`
}

type wireKindData struct {
	ContractIdentifier string       `json:"contract_identifier"`
	Method             string       `json:"method"`
	Args               []flexString `json:"args"`
	Code               string       `json:"code"`
}

type wireOperation struct {
	OperationIdentifier struct {
		Index flexUint `json:"index"`
	} `json:"operation_identifier"`
	Type    string `json:"type"`
	Status  string `json:"status"`
	Account struct {
		Address string `json:"address"`
	} `json:"account"`
	Amount struct {
		Value    flexString `json:"value"`
		Currency struct {
			Symbol   string   `json:"symbol"`
			Decimals flexUint `json:"decimals"`
			Metadata struct {
				AssetClassIdentifier string `json:"asset_class_identifier"`
			} `json:"metadata"`
		} `json:"currency"`
	} `json:"amount"`
}

type wireEvent struct {
	Type     string    `json:"type"`
	Position *struct {
		Index flexUint `json:"index"`
	} `json:"position"`
	Data struct {
		AssetIdentifier    string     `json:"asset_identifier"`
		ContractIdentifier string     `json:"contract_identifier"`
		Sender             string     `json:"sender"`
		Recipient          string     `json:"recipient"`
		Amount             flexString `json:"amount"`
		Topic              string     `json:"topic"`
	} `json:"data"`
}

// eventTypes maps chainhook receipt event names to staged event types
var eventTypes = map[string]string{
	"STXTransferEvent":   "stx_transfer",
	"STXMintEvent":       "stx_mint",
	"STXBurnEvent":       "stx_burn",
	"STXLockEvent":       "stx_lock",
	"FTTransferEvent":    "ft_transfer",
	"FTMintEvent":        "ft_mint",
	"FTBurnEvent":        "ft_burn",
	"NFTTransferEvent":   "nft_transfer",
	"NFTMintEvent":       "nft_mint",
	"NFTBurnEvent":       "nft_burn",
	"SmartContractEvent": "contract_event",
	"DataVarSetEvent":    "data_var_set",
	"DataMapInsertEvent": "data_map_insert",
	"DataMapUpdateEvent": "data_map_update",
	"DataMapDeleteEvent": "data_map_delete",
}
