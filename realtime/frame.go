package realtime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"

	"github.com/go-stomp/stomp/v3/frame"
)

// STOMP commands used by the client.
const (
	cmdConnect     = "CONNECT"
	cmdConnected   = "CONNECTED"
	cmdSend        = "SEND"
	cmdSubscribe   = "SUBSCRIBE"
	cmdUnsubscribe = "UNSUBSCRIBE"
	cmdDisconnect  = "DISCONNECT"
	cmdMessage     = "MESSAGE"
	cmdReceipt     = "RECEIPT"
	cmdError       = "ERROR"
)

// STOMP header names.
const (
	hdrAcceptVersion = "accept-version"
	hdrHost          = "host"
	hdrHeartBeat     = "heart-beat"
	hdrDestination   = "destination"
	hdrID            = "id"
	hdrAck           = "ack"
	hdrContentType   = "content-type"
	hdrContentLength = "content-length"
	hdrSubscription  = "subscription"
	hdrMessageID     = "message-id"
	hdrMessage       = "message"
	hdrVersion       = "version"
)

const jsonContentType = "application/json"

// Frame is an inbound MESSAGE delivered to a Handler.
type Frame struct {
	Destination  string
	Subscription string
	MessageID    string
	Header       map[string]string
	Body         []byte
}

// encodeFrame serialises f into a single WebSocket text message.
func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Command, err)
	}

	return buf.Bytes(), nil
}

// decodeFrame parses one WebSocket message. A message holding only
// heart-beat newlines yields a nil frame and no error.
func decodeFrame(data []byte) (*frame.Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))

	for {
		f, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}

		if err != nil {
			return nil, fmt.Errorf("decoding frame: %w", err)
		}

		if f != nil {
			return f, nil
		}
	}
}

// newFrame builds a frame with headers applied in sorted key order, so
// encoded output is deterministic.
func newFrame(command string, headers map[string]string, pairs ...string) *frame.Frame {
	f := frame.New(command, pairs...)
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		f.Header.Set(k, headers[k])
	}

	return f
}

// newSendFrame builds a SEND frame carrying a JSON body.
func newSendFrame(destination string, body []byte, headers map[string]string) *frame.Frame {
	f := newFrame(cmdSend, headers,
		hdrDestination, destination,
		hdrContentType, jsonContentType,
		hdrContentLength, strconv.Itoa(len(body)),
	)
	f.Body = body

	return f
}

// toMessage converts a MESSAGE frame for handlers.
func toMessage(f *frame.Frame) Frame {
	header := make(map[string]string, f.Header.Len())
	for i := 0; i < f.Header.Len(); i++ {
		k, v := f.Header.GetAt(i)
		if _, dup := header[k]; !dup {
			header[k] = v
		}
	}

	return Frame{
		Destination:  f.Header.Get(hdrDestination),
		Subscription: f.Header.Get(hdrSubscription),
		MessageID:    f.Header.Get(hdrMessageID),
		Header:       header,
		Body:         f.Body,
	}
}
