package twilio

import (
	"fmt"
	"log/slog"
	"sort"

	twilioclient "github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/voicegate-ai/voicegate/pkg/carrier"
)

// Dialer places outbound calls through the Twilio REST API. Each placed call
// is answered with TwiML that connects the audio back to the gateway's own
// Media Streams endpoint, so outbound and inbound calls converge on the same
// WebSocket path.
type Dialer struct {
	client *twilioclient.RestClient
	from   string
	log    *slog.Logger
}

// NewDialer creates a Dialer authenticated with the given account
// credentials. from is the E.164 caller ID for placed calls.
func NewDialer(accountSID, authToken, from string, log *slog.Logger) *Dialer {
	if log == nil {
		log = slog.Default()
	}
	return &Dialer{
		client: twilioclient.NewRestClientWithParams(twilioclient.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		from: from,
		log:  log,
	}
}

// PlaceCall dials to and answers it with a stream connect back to streamURL.
// The extra parameters are attached to the stream and come back in the start
// event's custom parameters. Returns the carrier's call SID.
func (d *Dialer) PlaceCall(to, streamURL string, extra map[string]string) (string, error) {
	params := map[string]string{
		paramDirection: string(carrier.Outbound),
		paramFrom:      d.from,
		paramTo:        to,
	}
	for k, v := range extra {
		params[k] = v
	}

	doc, err := StreamTwiML(streamURL, params)
	if err != nil {
		return "", fmt.Errorf("twilio: build twiml: %w", err)
	}

	callParams := &api.CreateCallParams{}
	callParams.SetTo(to)
	callParams.SetFrom(d.from)
	callParams.SetTwiml(doc)

	resp, err := d.client.Api.CreateCall(callParams)
	if err != nil {
		return "", fmt.Errorf("twilio: create call: %w", err)
	}

	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	d.log.Info("outbound call placed", "to", to, "call_sid", sid)
	return sid, nil
}

// AnswerParams builds the stream custom parameters for an inbound call
// answered via the voice webhook, so the caller and callee numbers reported
// by the webhook survive into the start event the same way dial-time
// parameters do.
func AnswerParams(from, to string) map[string]string {
	return map[string]string{
		paramDirection: string(carrier.Inbound),
		paramFrom:      from,
		paramTo:        to,
	}
}

// StreamTwiML renders a TwiML document that connects call audio to the given
// Media Streams WebSocket URL with the given custom parameters. Parameters
// are rendered in sorted order so the output is deterministic.
func StreamTwiML(streamURL string, params map[string]string) (string, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var inner []twiml.Element
	for _, k := range keys {
		inner = append(inner, &twiml.VoiceParameter{Name: k, Value: params[k]})
	}

	stream := &twiml.VoiceStream{
		Url:           streamURL,
		InnerElements: inner,
	}
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}
	return twiml.Voice([]twiml.Element{connect})
}
