package services

import (
	"context"
	"fmt"
	"slices"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgateway/interfaces"
	"github.com/caio-sobreiro/dicomgateway/types"
)

// Registry routes incoming DIMSE messages to the handler registered for
// their command field. It supports single-response and streaming handlers.
//
// Handlers are registered during setup; the registry is read-only once the
// server runs.
//
// Example usage:
//
//	registry := services.NewRegistry()
//	registry.RegisterHandler(types.CEchoRQ, services.NewEchoService())
//	registry.RegisterHandler(types.CMoveRQ, moveService)
type Registry struct {
	handlers map[uint16]interfaces.ServiceHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[uint16]interfaces.ServiceHandler),
	}
}

// RegisterHandler registers handler for a DIMSE request command. Registering
// the same command again replaces the previous handler.
func (r *Registry) RegisterHandler(commandField uint16, handler interfaces.ServiceHandler) {
	r.handlers[commandField] = handler
}

// UnregisterHandler removes the handler for a DIMSE command.
func (r *Registry) UnregisterHandler(commandField uint16) {
	delete(r.handlers, commandField)
}

func (r *Registry) lookup(ctx context.Context, msg *types.Message) (interfaces.ServiceHandler, error) {
	log := logger.Get(ctx)
	log.Debug("Routing DIMSE message",
		zap.String("command_field", fmt.Sprintf("0x%04x", msg.CommandField)),
		zap.Uint16("message_id", msg.MessageID))

	handler, ok := r.handlers[msg.CommandField]
	if !ok {
		log.Warn("No handler registered for DIMSE command",
			zap.String("command_field", fmt.Sprintf("0x%04x", msg.CommandField)))
		return nil, errors.Errorf("unsupported DIMSE command: 0x%04x", msg.CommandField)
	}
	return handler, nil
}

// HandleDIMSE routes msg to its handler and returns the single response.
func (r *Registry) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	handler, err := r.lookup(ctx, msg)
	if err != nil {
		return nil, nil, err
	}
	return handler.HandleDIMSE(ctx, msg, data)
}

// HandleDIMSEStreaming routes msg to its handler. Handlers implementing
// interfaces.StreamingServiceHandler send their own responses; others are
// called through HandleDIMSE and their response is sent for them.
func (r *Registry) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	handler, err := r.lookup(ctx, msg)
	if err != nil {
		return err
	}

	if streamingHandler, ok := handler.(interfaces.StreamingServiceHandler); ok {
		return streamingHandler.HandleDIMSEStreaming(ctx, msg, data, responder)
	}

	responseMsg, responseData, err := handler.HandleDIMSE(ctx, msg, data)
	if err != nil {
		return err
	}
	return responder.SendResponse(responseMsg, responseData)
}

// HasHandler reports whether a handler is registered for commandField.
func (r *Registry) HasHandler(commandField uint16) bool {
	_, ok := r.handlers[commandField]
	return ok
}

// RegisteredCommands returns the registered command fields in ascending order.
func (r *Registry) RegisteredCommands() []uint16 {
	commands := make([]uint16, 0, len(r.handlers))
	for cmd := range r.handlers {
		commands = append(commands, cmd)
	}
	slices.Sort(commands)
	return commands
}
