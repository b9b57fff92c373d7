package transport

import (
	"context"
	"testing"
	"time"

	"github.com/mocktools/go-smtp-mock/v2"
	"github.com/outboxhq/outbox/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startMockServer(t *testing.T) *smtpmock.Server {
	t.Helper()
	server := smtpmock.New(smtpmock.ConfigurationAttr{})
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func TestSMTPSenderSendDeliversMessage(t *testing.T) {
	server := startMockServer(t)

	cfg := config.SMTPConfig{
		Host:              server.HostAddress,
		Port:              server.Port,
		From:              "outbox@example.com",
		ConnectionTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
	}

	sender, err := NewSMTPSender(cfg)
	require.NoError(t, err)
	defer sender.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := sender.Send(ctx, Message{To: "recipient@example.com", Subject: "hello", Body: "world"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.MessageID)

	messages := server.Messages()
	assert.Len(t, messages, 1)
	assert.Contains(t, messages[0].MsgRequest(), "Subject: hello")
}

func TestSMTPSenderSendFailsWithoutRecipient(t *testing.T) {
	server := startMockServer(t)

	cfg := config.SMTPConfig{
		Host:              server.HostAddress,
		Port:              server.Port,
		From:              "outbox@example.com",
		ConnectionTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
	}

	sender, err := NewSMTPSender(cfg)
	require.NoError(t, err)
	defer sender.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = sender.Send(ctx, Message{To: "", Subject: "hello", Body: "world"})
	assert.Error(t, err)
}
