package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
)

// Decode turns a raw log into an Event using the contract ABI.
// It reports false for logs whose topic the ABI does not declare.
func (c ContractHandle) Decode(log types.Log) (Event, bool, error) {
	if c.ABI == nil || len(log.Topics) == 0 {
		return Event{}, false, nil
	}
	ev, err := c.ABI.EventByID(log.Topics[0])
	if err != nil {
		return Event{}, false, nil
	}

	args := map[string]any{}
	indexed, nonIndexed := splitIndexed(ev.Inputs)
	if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
		return Event{}, false, fmt.Errorf("parse topics %s: %w", ev.Name, err)
	}
	if err := nonIndexed.UnpackIntoMap(args, log.Data); err != nil {
		return Event{}, false, fmt.Errorf("unpack data %s: %w", ev.Name, err)
	}

	return Event{
		Event:        ev.RawName,
		ReturnValues: args,
		Address:      log.Address,
		BlockNumber:  log.BlockNumber,
		LogIndex:     log.Index,
		TxHash:       log.TxHash,
	}, true, nil
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}
