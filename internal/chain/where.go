package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Filter reports whether an event should be kept.
type Filter func(Event) bool

// CompileWhere parses simple expressions over an event's return values and
// joins them with AND. The pseudo-field "event" matches the event name.
// Supported operators: ==, !=, >, <, >=, <=, in, contains.
//
//	"event == NewThread"
//	"threadId >= 10"
//	"author in 0xab..,0xcd.."
//	"title contains gm"
func CompileWhere(exprs []string) (Filter, error) {
	var preds []Filter
	for _, raw := range exprs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := compileWhere(raw)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return func(e Event) bool {
		for _, p := range preds {
			if !p(e) {
				return false
			}
		}
		return true
	}, nil
}

func field(e Event, name string) (any, bool) {
	if name == "event" {
		return e.Event, true
	}
	v, ok := e.ReturnValues[name]
	return v, ok
}

func compileWhere(expr string) (Filter, error) {
	if name, list, ok := strings.Cut(expr, " in "); ok {
		name = strings.TrimSpace(name)
		values := map[string]struct{}{}
		for _, v := range strings.Split(list, ",") {
			if v = strings.TrimSpace(v); v != "" {
				values[canonical(v)] = struct{}{}
			}
		}
		return func(e Event) bool {
			v, ok := field(e, name)
			if !ok {
				return false
			}
			_, hit := values[canonical(format(v))]
			return hit
		}, nil
	}

	if name, needle, ok := strings.Cut(expr, " contains "); ok {
		name, needle = strings.TrimSpace(name), strings.TrimSpace(needle)
		return func(e Event) bool {
			v, ok := field(e, name)
			return ok && strings.Contains(format(v), needle)
		}, nil
	}

	var op string
	for _, candidate := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if strings.Contains(expr, candidate) {
			op = candidate
			break
		}
	}
	if op == "" {
		return nil, fmt.Errorf("unsupported expression: %s", expr)
	}
	name, rhs, _ := strings.Cut(expr, op)
	name, rhs = strings.TrimSpace(name), strings.TrimSpace(rhs)
	if name == "" || rhs == "" {
		return nil, fmt.Errorf("invalid expression: %s", expr)
	}

	num, rhsIsNum := parseBig(rhs)
	if !rhsIsNum && op != "==" && op != "!=" {
		return nil, fmt.Errorf("operator %s needs a number: %s", op, expr)
	}

	return func(e Event) bool {
		v, ok := field(e, name)
		if !ok {
			return false
		}
		if rhsIsNum {
			lhs, ok := toBig(v)
			if !ok {
				return false
			}
			c := lhs.Cmp(num)
			switch op {
			case "==":
				return c == 0
			case "!=":
				return c != 0
			case ">":
				return c > 0
			case "<":
				return c < 0
			case ">=":
				return c >= 0
			default:
				return c <= 0
			}
		}
		eq := canonical(format(v)) == canonical(rhs)
		if op == "==" {
			return eq
		}
		return !eq
	}, nil
}

// canonical lowercases hex addresses so checksummed and plain forms match.
func canonical(s string) string {
	if common.IsHexAddress(s) {
		return strings.ToLower(common.HexToAddress(s).Hex())
	}
	return s
}

func format(v any) string {
	switch x := v.(type) {
	case common.Address:
		return x.Hex()
	case common.Hash:
		return x.Hex()
	case [32]byte:
		return common.Hash(x).Hex()
	case *big.Int:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}

// parseBig accepts decimal, 0x hex and underscore separated numbers.
func parseBig(s string) (*big.Int, bool) {
	s = strings.ReplaceAll(s, "_", "")
	if common.IsHexAddress(s) {
		return nil, false
	}
	return new(big.Int).SetString(s, 0)
}

func toBig(v any) (*big.Int, bool) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, false
		}
		return n, true
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint16:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint64:
		return new(big.Int).SetUint64(n), true
	case int8:
		return big.NewInt(int64(n)), true
	case int16:
		return big.NewInt(int64(n)), true
	case int32:
		return big.NewInt(int64(n)), true
	case int64:
		return big.NewInt(n), true
	case int:
		return big.NewInt(int64(n)), true
	case string:
		return parseBig(n)
	default:
		return nil, false
	}
}
