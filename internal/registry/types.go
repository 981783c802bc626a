// Package registry reads API authorization records from the on-chain
// registry contract through the Hiro Stacks indexer.
package registry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is the only error Lookup returns. The specific reason is
// logged, never surfaced.
var ErrNotFound = errors.New("registry: authorization record not found")

// Network selects which Stacks indexer to query.
type Network string

const (
	Testnet Network = "testnet"
	Mainnet Network = "mainnet"
)

// ParseNetwork accepts "testnet"/"mainnet" in any case.
func ParseNetwork(s string) (Network, error) {
	switch Network(strings.ToLower(strings.TrimSpace(s))) {
	case Testnet:
		return Testnet, nil
	case Mainnet:
		return Mainnet, nil
	default:
		return "", fmt.Errorf("registry: unknown network %q", s)
	}
}

// Record is the authorization an API owner published on-chain.
type Record struct {
	TxID           string `json:"txId"`
	APIName        string `json:"apiName"`
	AllowedAgents  string `json:"allowedAgents"`
	CooldownBlocks uint64 `json:"cooldownBlocks"`
	VerifyAgent    bool   `json:"verifyAgent"`
}

// Registry contract functions that publish a record.
const (
	fnCreateAPI = "create-api"
	fnUpdateAPI = "update-api"
)

// Function argument names.
const (
	argAPIName        = "api-name"
	argAllowedAgents  = "allowed-agents"
	argCooldownBlocks = "cooldown-blocks"
	argVerifyAgent    = "verify-agent"
)

// hiroTx is the subset of the indexer's transaction document we read.
type hiroTx struct {
	TxID         string `json:"tx_id"`
	TxStatus     string `json:"tx_status"`
	TxType       string `json:"tx_type"`
	ContractCall *struct {
		ContractID   string    `json:"contract_id"`
		FunctionName string    `json:"function_name"`
		FunctionArgs []hiroArg `json:"function_args"`
	} `json:"contract_call"`
}

type hiroArg struct {
	Hex  string `json:"hex"`
	Repr string `json:"repr"`
	Name string `json:"name"`
	Type string `json:"type"`
}
