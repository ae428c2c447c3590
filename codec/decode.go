package codec

import (
	"encoding/base64"
	"math"
	"math/big"
	"strconv"
	"strings"

	"mini-bridge/message"
)

// DecodeResponse turns one response line into a Value.
//
// The optional leading return marker and any trailing newlines are stripped.
// An answer whose first character is not the success marker is an error:
// a reference payload becomes *message.RemoteError, a string payload or
// anything else becomes *message.GatewayError.
func DecodeResponse(raw string) (message.Value, error) {
	answer := strings.TrimPrefix(raw, string(ReturnMarker))
	answer = strings.TrimRight(answer, "\r\n")

	if answer == "" || answer[0] != SuccessMarker {
		return message.Value{}, decodeError(answer)
	}
	if len(answer) < 2 {
		return message.Void(), nil
	}
	return DecodeSegment(answer[1], answer[2:])
}

func decodeError(answer string) error {
	if len(answer) < 2 {
		return &message.GatewayError{Msg: "unknown error"}
	}
	payload := answer[2:]
	switch answer[1] {
	case TagReference:
		return &message.RemoteError{RefID: payload}
	case TagString:
		return &message.GatewayError{Msg: Unescape(payload)}
	}
	return &message.GatewayError{Msg: "gateway error: " + payload}
}

// DecodeSegment decodes a single tagged payload. Unknown tags are returned as
// raw values so newer servers keep working.
func DecodeSegment(tag Tag, payload string) (message.Value, error) {
	switch tag {
	case TagNull:
		return message.Null(), nil
	case TagVoid:
		return message.Void(), nil
	case TagBool:
		return message.Bool(strings.EqualFold(payload, "true")), nil
	case TagInt:
		n, err := strconv.ParseInt(payload, 10, 32)
		if err != nil {
			return message.Value{}, message.Protocolf("bad int payload %q", payload)
		}
		return message.Int(n), nil
	case TagLong:
		n, ok := new(big.Int).SetString(payload, 10)
		if !ok {
			return message.String(payload), nil
		}
		return message.BigInt(n), nil
	case TagDecimal:
		return message.Decimal(payload), nil
	case TagDouble:
		f, err := ParseDouble(payload)
		if err != nil {
			return message.Value{}, message.Protocolf("bad double payload %q", payload)
		}
		return message.Double(f), nil
	case TagBytes:
		b, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return message.Value{}, message.Protocolf("bad bytes payload: %v", err)
		}
		return message.Bytes(b), nil
	case TagString:
		return message.String(Unescape(payload)), nil
	case TagReference:
		return message.Ref(payload), nil
	}
	return message.Raw(tag, payload), nil
}

// ParseDouble parses a double payload, honouring the reserved spellings.
func ParseDouble(s string) (float64, error) {
	switch s {
	case NaN:
		return math.NaN(), nil
	case Infinity:
		return math.Inf(1), nil
	case NegativeInfinity:
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(s, 64)
}
