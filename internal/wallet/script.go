package wallet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/devblac/wrapper-sync/internal/contract"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// callsScriptID prefixes scripts run by Aragon's CallsScript executor.
var callsScriptID = []byte{0x00, 0x00, 0x00, 0x01}

const forwarderABI = `[{"type":"function","name":"forward","stateMutability":"nonpayable",
	"inputs":[{"name":"evmScript","type":"bytes"}],"outputs":[]}]`

var forwarder = sync.OnceValue(func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(forwarderABI))
	if err != nil {
		panic("wallet: forwarder abi: " + err.Error())
	}
	return a
})

// EncodeCallsScript packs steps as spec id 1 followed by
// (address, uint32 length, calldata) for every step.
func EncodeCallsScript(steps ...contract.Step) []byte {
	out := append([]byte(nil), callsScriptID...)
	for _, s := range steps {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(s.Data)))
		out = append(out, s.To.Bytes()...)
		out = append(out, n[:]...)
		out = append(out, s.Data...)
	}
	return out
}

// DecodeCallsScript is the inverse of EncodeCallsScript.
func DecodeCallsScript(script []byte) ([]contract.Step, error) {
	if len(script) < len(callsScriptID) || string(script[:4]) != string(callsScriptID) {
		return nil, errors.New("not a calls script")
	}
	var steps []contract.Step
	rest := script[4:]
	for len(rest) > 0 {
		if len(rest) < common.AddressLength+4 {
			return nil, fmt.Errorf("truncated script at step %d", len(steps))
		}
		to := common.BytesToAddress(rest[:common.AddressLength])
		n := binary.BigEndian.Uint32(rest[common.AddressLength : common.AddressLength+4])
		rest = rest[common.AddressLength+4:]
		if uint32(len(rest)) < n {
			return nil, fmt.Errorf("truncated calldata at step %d", len(steps))
		}
		steps = append(steps, contract.Step{To: to, Data: append([]byte(nil), rest[:n]...)})
		rest = rest[n:]
	}
	return steps, nil
}

func forwardCall(script []byte) ([]byte, error) {
	data, err := forwarder().Pack("forward", script)
	if err != nil {
		return nil, fmt.Errorf("pack forward: %w", err)
	}
	return data, nil
}
