// Package directory maps logical destination names to network endpoints.
package directory

import (
	"net"
	"strconv"

	"github.com/pkg/errors"

	dicomerrors "github.com/caio-sobreiro/dicomgateway/errors"
)

// Kind selects the transport used to reach a destination.
type Kind string

// Destination kinds
const (
	KindPeer  Kind = "peer"
	KindCloud Kind = "cloud"
)

// Destination is a resolved endpoint. Name doubles as the called AE title.
type Destination struct {
	Name string
	Host string
	Port int
}

// Address returns host:port.
func (d Destination) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Entry is one configured destination.
type Entry struct {
	Destination
	Kind     Kind
	Required bool
}

// Directory is built once and only read afterwards, so it is safe for
// concurrent use without locking.
type Directory struct {
	entries map[string]Entry
	names   []string
}

// New builds a Directory. Duplicate names are rejected.
func New(entries []Entry) (*Directory, error) {
	d := &Directory{
		entries: make(map[string]Entry, len(entries)),
		names:   make([]string, 0, len(entries)),
	}
	for _, e := range entries {
		if e.Name == "" {
			return nil, errors.New("destination name is empty")
		}
		if _, exists := d.entries[e.Name]; exists {
			return nil, errors.Errorf("destination %q defined more than once", e.Name)
		}
		if e.Kind == "" {
			e.Kind = KindPeer
		}
		switch e.Kind {
		case KindPeer:
			if e.Host == "" || e.Port <= 0 || e.Port > 65535 {
				return nil, errors.Errorf("destination %q has invalid address %q:%d", e.Name, e.Host, e.Port)
			}
		case KindCloud:
		default:
			return nil, errors.Errorf("destination %q has unknown kind %q", e.Name, e.Kind)
		}
		d.entries[e.Name] = e
		d.names = append(d.names, e.Name)
	}
	return d, nil
}

// Lookup returns the destination registered under name.
func (d *Directory) Lookup(name string) (Destination, error) {
	e, ok := d.entries[name]
	if !ok {
		return Destination{}, &dicomerrors.UnknownDestinationError{Name: name}
	}
	return e.Destination, nil
}

// Entry returns the full configuration of name.
func (d *Directory) Entry(name string) (Entry, error) {
	e, ok := d.entries[name]
	if !ok {
		return Entry{}, &dicomerrors.UnknownDestinationError{Name: name}
	}
	return e, nil
}

// Names returns destination names in load order.
func (d *Directory) Names() []string {
	return append([]string(nil), d.names...)
}
