package sender

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgateway/cloud"
	"github.com/caio-sobreiro/dicomgateway/directory"
)

// DefaultFactory picks the sender variant from the destination kind.
type DefaultFactory struct {
	Session SessionConfig
	// Source serves emulated moves. It may be nil.
	Source cloud.Source
	// CloudStore receives instances for cloud destinations.
	CloudStore cloud.Store
}

// Create implements Factory.
func (f *DefaultFactory) Create(entry directory.Entry) (Sender, error) {
	log := f.Session.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("destination", entry.Name))

	switch entry.Kind {
	case directory.KindPeer, "":
		config := f.Session
		config.Logger = log
		return NewPeerSender(NewStoreSession(config), f.Source), nil
	case directory.KindCloud:
		if f.CloudStore == nil {
			return nil, errors.Errorf("destination %q needs a cloud store but none is configured", entry.Name)
		}
		return NewCloudSender(f.CloudStore, f.Source, log), nil
	default:
		return nil, errors.Errorf("destination %q has unknown kind %q", entry.Name, entry.Kind)
	}
}
