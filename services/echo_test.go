package services

import (
	"testing"

	"github.com/outofforest/qa"

	"github.com/caio-sobreiro/dicomgateway/types"
)

func TestEchoService_HandleDIMSE(t *testing.T) {
	service := NewEchoService()
	ctx := qa.NewContext(t)

	tests := []struct {
		name      string
		messageID uint16
	}{
		{name: "Basic C-ECHO request", messageID: 1},
		{name: "C-ECHO with different message ID", messageID: 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &types.Message{
				CommandField:        types.CEchoRQ,
				MessageID:           tt.messageID,
				AffectedSOPClassUID: types.VerificationSOPClass,
				CommandDataSetType:  types.NoDataSet,
			}

			respMsg, respData, err := service.HandleDIMSE(ctx, msg, nil)
			if err != nil {
				t.Fatalf("HandleDIMSE() error = %v", err)
			}
			if respMsg == nil {
				t.Fatal("Expected non-nil response message")
			}
			if respData != nil {
				t.Error("Expected nil response data for C-ECHO")
			}
			if respMsg.CommandField != types.CEchoRSP {
				t.Errorf("CommandField = 0x%04x, want 0x%04x", respMsg.CommandField, types.CEchoRSP)
			}
			if respMsg.MessageIDBeingRespondedTo != tt.messageID {
				t.Errorf("MessageIDBeingRespondedTo = %d, want %d", respMsg.MessageIDBeingRespondedTo, tt.messageID)
			}
			if respMsg.Status != types.StatusSuccess {
				t.Errorf("Status = 0x%04x, want 0x%04x", respMsg.Status, types.StatusSuccess)
			}
			if respMsg.AffectedSOPClassUID != types.VerificationSOPClass {
				t.Errorf("AffectedSOPClassUID = %s, want %s", respMsg.AffectedSOPClassUID, types.VerificationSOPClass)
			}
			if respMsg.HasDataSet() {
				t.Error("C-ECHO-RSP must not announce a data set")
			}
		})
	}
}
