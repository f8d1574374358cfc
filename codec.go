package xevent

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// DefaultCodecName is the codec a Bus uses unless BusBuilder.WithCodec names another.
const DefaultCodecName = "json"

// Codec encodes event payloads for the wire. A Bus uses one Codec for both
// directions, so every publisher and consumer of a topic must agree on it.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec encodes with encoding/json. The IntegrationEvent envelope travels
// as the "id" and "created_date" properties next to the event's own fields.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return DefaultCodecName }

// CodecFactory builds the Codec for one Bus.
type CodecFactory func() Codec

var (
	codecsMu sync.RWMutex
	codecs   = map[string]CodecFactory{
		DefaultCodecName: func() Codec { return JSONCodec{} },
	}
)

// RegisterCodec makes a codec selectable through BusBuilder.WithCodec.
// DefaultCodecName is built in and cannot be replaced; hand a custom JSON
// codec to WithCodecInstance instead.
func RegisterCodec(name string, factory CodecFactory) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidCodec)
	case factory == nil:
		return fmt.Errorf("%w: nil factory for %q", ErrInvalidCodec, name)
	case name == DefaultCodecName:
		return fmt.Errorf("%w: %q is built in", ErrInvalidCodec, name)
	}
	codecsMu.Lock()
	codecs[name] = factory
	codecsMu.Unlock()
	return nil
}

// NewCodec builds the codec registered under name. An empty name selects
// DefaultCodecName.
func NewCodec(name string) (Codec, error) {
	if name == "" {
		name = DefaultCodecName
	}
	codecsMu.RLock()
	f, ok := codecs[name]
	codecsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownCodec, name, codecNames())
	}
	c := f()
	if c == nil {
		return nil, fmt.Errorf("%w: factory for %q returned nil", ErrInvalidCodec, name)
	}
	return c, nil
}

func codecNames() []string {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	names := make([]string, 0, len(codecs))
	for n := range codecs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
