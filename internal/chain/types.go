package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Synthetic markers bracketing the historical segment of a Stream. They never originate on chain.
const (
	SyncStatusSyncing = "SYNC_STATUS_SYNCING"
	SyncStatusSynced  = "SYNC_STATUS_SYNCED"
)

// Event is a decoded contract log, or one of the synthetic sync markers.
type Event struct {
	Event        string         `json:"event"`
	ReturnValues map[string]any `json:"returnValues"`
	Address      common.Address `json:"address"`
	BlockNumber  uint64         `json:"blockNumber"`
	LogIndex     uint           `json:"logIndex"`
	TxHash       common.Hash    `json:"transactionHash"`
}

// IsMarker reports whether e is a synthetic sync marker.
func (e Event) IsMarker() bool {
	return e.Event == SyncStatusSyncing || e.Event == SyncStatusSynced
}

// SyncingEvent opens the historical segment for [from, to].
func SyncingEvent(from, to uint64) Event {
	return Event{
		Event:        SyncStatusSyncing,
		ReturnValues: map[string]any{"from": from, "to": to},
	}
}

// SyncedEvent closes the historical segment.
func SyncedEvent() Event {
	return Event{Event: SyncStatusSynced, ReturnValues: map[string]any{}}
}

// ContractHandle identifies one contract whose logs feed a Stream.
type ContractHandle struct {
	Name    string
	Address common.Address
	ABI     *abi.ABI
}

// TransportError wraps an RPC failure during a call, past-event fetch, or subscription.
type TransportError struct {
	Op       string
	Contract common.Address
	Err      error
}

func (e *TransportError) Error() string {
	if e.Contract == (common.Address{}) {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Contract.Hex(), e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
