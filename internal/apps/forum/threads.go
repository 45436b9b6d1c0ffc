package forum

import (
	"errors"
	"fmt"
	"reflect"
	"slices"

	"github.com/mitchellh/mapstructure"
)

// ErrNoThreadKey is returned for thread events carrying neither threadId nor name.
var ErrNoThreadKey = errors.New("thread event without threadId or name")

type threadValues struct {
	ThreadID string `mapstructure:"threadId"`
	Author   string `mapstructure:"author"`
	Name     string `mapstructure:"name"`
	IPFSHash string `mapstructure:"ipfsHash"`
}

func (v threadValues) key() string {
	if v.ThreadID != "" {
		return v.ThreadID
	}
	return v.Name
}

// stringify renders *big.Int, common.Address and other Stringers into string fields.
func stringify(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.String {
		return data, nil
	}
	if s, ok := data.(fmt.Stringer); ok {
		return s.String(), nil
	}
	return data, nil
}

func decodeValues(values map[string]any) (threadValues, error) {
	var out threadValues
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       stringify,
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return threadValues{}, err
	}
	if err := dec.Decode(values); err != nil {
		return threadValues{}, fmt.Errorf("decode thread values: %w", err)
	}
	if out.key() == "" {
		return threadValues{}, ErrNoThreadKey
	}
	return out, nil
}

// updateThread inserts a new thread or edits an existing one in place of its
// previous version. The input state is never modified.
func updateThread(state State, values map[string]any) ([]Thread, error) {
	v, err := decodeValues(values)
	if err != nil {
		return nil, err
	}
	threads := slices.Clone(state.Threads)

	i := slices.IndexFunc(threads, func(t Thread) bool { return t.ID == v.key() })
	if i < 0 {
		return append(threads, Thread{
			ID:       v.key(),
			Author:   v.Author,
			Name:     v.Name,
			IPFSHash: v.IPFSHash,
		}), nil
	}

	t := threads[i]
	t.History = slices.Clone(t.History)
	if v.IPFSHash != "" && v.IPFSHash != t.IPFSHash {
		if t.IPFSHash != "" {
			t.History = append(t.History, t.IPFSHash)
		}
		t.IPFSHash = v.IPFSHash
	}
	if v.Name != "" {
		t.Name = v.Name
	}
	if v.Author != "" {
		t.Author = v.Author
	}
	threads[i] = t
	return threads, nil
}

// deleteThread removes the referenced thread. Unknown threads are ignored.
func deleteThread(state State, values map[string]any) ([]Thread, error) {
	v, err := decodeValues(values)
	if err != nil {
		return nil, err
	}
	threads := slices.Clone(state.Threads)
	return slices.DeleteFunc(threads, func(t Thread) bool { return t.ID == v.key() }), nil
}
