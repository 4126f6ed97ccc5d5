package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioClient sends WhatsApp messages through the Twilio Messages API.
type TwilioClient struct {
	api  messageCreator
	from string
}

func NewTwilioClient(accountSID, authToken, from string) (*TwilioClient, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("twilio account SID and auth token must be provided")
	}
	if from == "" {
		return nil, errors.New("twilio from number must be provided")
	}

	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioClient{api: rc.Api, from: whatsappAddress(from)}, nil
}

func whatsappAddress(phone string) string {
	if strings.HasPrefix(phone, "whatsapp:") {
		return phone
	}
	if !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	return "whatsapp:" + phone
}

// Send ignores ctx cancellation once the request is issued; the SDK call is
// not context-aware.
func (c *TwilioClient) Send(ctx context.Context, phoneNumber, message string) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddress(phoneNumber))
	params.SetFrom(c.from)
	params.SetBody(message)

	resp, err := c.api.CreateMessage(params)
	if err != nil {
		var te *twilioclient.TwilioRestError
		if errors.As(err, &te) {
			return SendResult{}, &HTTPStatusError{StatusCode: te.Status, Body: te.Message}
		}
		return SendResult{}, fmt.Errorf("twilio send to %s: %w", phoneNumber, err)
	}
	if resp == nil || resp.Sid == nil || *resp.Sid == "" {
		return SendResult{}, errors.New("twilio response missing message sid")
	}
	return SendResult{MessageID: *resp.Sid}, nil
}
