package chain

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/tidwall/gjson"
)

// ParseABI accepts either a bare ABI array or a build artifact with an "abi" field.
func ParseABI(data []byte) (*abi.ABI, error) {
	raw := data
	if res := gjson.GetBytes(data, "abi"); res.Exists() && res.IsArray() {
		raw = []byte(res.Raw)
	}
	a, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// LoadABI reads a single ABI or artifact file.
func LoadABI(path string) (*abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read abi %s: %w", path, err)
	}
	a, err := ParseABI(data)
	if err != nil {
		return nil, fmt.Errorf("parse abi %s: %w", path, err)
	}
	return a, nil
}

// LoadABIs loads ABI JSON files from the provided directories.
func LoadABIs(dirs []string) (map[string]*abi.ABI, error) {
	abis := map[string]*abi.ABI{}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
				return nil
			}
			a, err := LoadABI(path)
			if err != nil {
				return err
			}
			abis[path] = a
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return abis, nil
}
