// Package destination implements Reticulum destination naming and
// hashing (spec §3): a destination is a named endpoint of direction
// {IN, OUT} and type {SINGLE, GROUP, PLAIN, LINK}, addressed by the
// first 16 bytes of SHA-256 over its dotted name plus, for SINGLE
// destinations, the owning identity's public bytes.
package destination

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/cvsouth/reticulum-go/identity"
)

// Direction.
type Direction uint8

const (
	In Direction = iota
	Out
)

// Type.
type Type uint8

const (
	Single Type = iota
	Group
	Plain
	Link
)

// HashLen is the length in bytes of a destination hash.
const HashLen = 16

// Destination is a named endpoint.
type Destination struct {
	Name      string // "appname.aspect1.aspect2..."
	Direction Direction
	Type      Type
	Identity  *identity.Identity // required for Single; nil for Plain/Group/Link
}

// New builds a destination from app name and aspects, joined with ".".
func New(dir Direction, typ Type, id *identity.Identity, appName string, aspects ...string) (*Destination, error) {
	if typ == Single && id == nil {
		return nil, fmt.Errorf("destination: SINGLE destinations require an identity")
	}
	name := appName
	if len(aspects) > 0 {
		name = appName + "." + strings.Join(aspects, ".")
	}
	return &Destination{Name: name, Direction: dir, Type: typ, Identity: id}, nil
}

// Hash returns the first 16 bytes of SHA-256("appname.aspect1.aspect2…")
// concatenated with the identity's public bytes when Type == Single.
func (d *Destination) Hash() [HashLen]byte {
	h := sha256.New()
	h.Write([]byte(d.Name))
	if d.Type == Single && d.Identity != nil {
		pub := d.Identity.Public()
		h.Write(pub[:])
	}
	sum := h.Sum(nil)
	var out [HashLen]byte
	copy(out[:], sum[:HashLen])
	return out
}

// Registry tracks IN destinations owned by this process, keyed by
// hash. Insertions are idempotent (spec §5).
type Registry struct {
	byHash map[[HashLen]byte]*Destination
}

// NewRegistry creates an empty destination registry.
func NewRegistry() *Registry {
	return &Registry{byHash: make(map[[HashLen]byte]*Destination)}
}

// Register adds d under its hash, replacing any existing entry with the same hash.
func (r *Registry) Register(d *Destination) [HashLen]byte {
	h := d.Hash()
	r.byHash[h] = d
	return h
}

// Lookup returns the destination registered under hash, if any.
func (r *Registry) Lookup(hash [HashLen]byte) (*Destination, bool) {
	d, ok := r.byHash[hash]
	return d, ok
}
