// Package snapshot encodes a runtime's replay journal.
//
// Neither engine binding exposes heap serialisation, so a snapshot records
// what was run to reach the current state: scripts, evaluated module
// bundles and the extensions that were attached. Restoring replays the
// journal into a fresh isolate.
//
// Layout: "HJSS" | version byte | brotli(cbor(Journal)).
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/fxamacker/cbor/v2"
)

// Version is the current journal format.
const Version byte = 1

var magic = []byte("HJSS")

// ErrCorrupt is returned for input that is not a journal this package wrote.
var ErrCorrupt = errors.New("snapshot: corrupt or unsupported data")

// Entry kinds.
const (
	KindScript = "script"
	KindModule = "module"
)

// Entry is one replayable step.
type Entry struct {
	Kind string   `cbor:"1,keyasint"`
	Name string   `cbor:"2,keyasint"` // script name or module URL
	Code string   `cbor:"3,keyasint"` // script source or wrapped module bundle
	ID   int      `cbor:"4,keyasint,omitempty"`
	Main bool     `cbor:"5,keyasint,omitempty"`
	URLs []string `cbor:"6,keyasint,omitempty"` // module URLs a bundle evaluates
}

// Journal is the snapshot payload.
type Journal struct {
	Engine     string   `cbor:"1,keyasint"`
	Extensions []string `cbor:"2,keyasint"`
	Entries    []Entry  `cbor:"3,keyasint"`
}

// Encode serialises j.
func Encode(j *Journal) ([]byte, error) {
	payload, err := cbor.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encoding journal: %w", err)
	}
	var buf bytes.Buffer
	buf.Write(magic)
	buf.WriteByte(Version)
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("snapshot: compressing: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("snapshot: compressing: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses data produced by Encode.
func Decode(data []byte) (*Journal, error) {
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], magic) {
		return nil, ErrCorrupt
	}
	if v := data[len(magic)]; v != Version {
		return nil, fmt.Errorf("%w: version %d", ErrCorrupt, v)
	}
	payload, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data[len(magic)+1:])))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var j Journal
	if err := cbor.Unmarshal(payload, &j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &j, nil
}
