package codec

import (
	"encoding/base64"
	"math"
	"strconv"
	"strings"

	"mini-bridge/message"
)

// EncodeValue renders v as one wire segment, without the trailing newline.
// pool assigns ids to proxy values and may be nil when no proxies are sent.
func EncodeValue(v message.Value, pool ProxyPool) (string, error) {
	switch v.Kind() {
	case message.KindNull:
		return string(TagNull), nil
	case message.KindBool:
		return string(TagBool) + strconv.FormatBool(v.Bool()), nil
	case message.KindDecimal:
		if v.Text() == "" {
			return "", message.Protocolf("empty decimal")
		}
		if err := CheckRaw("decimal", v.Text()); err != nil {
			return "", err
		}
		return string(TagDecimal) + v.Text(), nil
	case message.KindInt:
		n, _ := v.Int64()
		if n >= MinInt && n <= MaxInt {
			return string(TagInt) + strconv.FormatInt(n, 10), nil
		}
		return string(TagLong) + strconv.FormatInt(n, 10), nil
	case message.KindLong:
		return string(TagLong) + v.BigInt().String(), nil
	case message.KindDouble:
		return string(TagDouble) + FormatDouble(v.Float64()), nil
	case message.KindBytes:
		return string(TagBytes) + base64.StdEncoding.EncodeToString(v.Bytes()), nil
	case message.KindString:
		return string(TagString) + Escape(v.Text()), nil
	case message.KindProxy:
		if pool == nil {
			return "", message.Protocolf("proxy argument requires a proxy pool")
		}
		for _, iface := range v.Interfaces() {
			if err := CheckRaw("proxy interface", iface); err != nil {
				return "", err
			}
		}
		var b strings.Builder
		b.WriteByte(TagProxy)
		b.WriteString(pool.Put(v.Object()))
		for _, iface := range v.Interfaces() {
			b.WriteByte(';')
			b.WriteString(iface)
		}
		return b.String(), nil
	case message.KindRef:
		if v.RefID() == "" {
			return "", message.Protocolf("reference without an id")
		}
		if err := CheckRaw("reference", v.RefID()); err != nil {
			return "", err
		}
		return string(TagReference) + v.RefID(), nil
	}
	return "", message.Protocolf("unsupported argument type %s", v.Kind())
}

// CheckRaw rejects a payload that goes on the wire unescaped but contains a
// line break, which would split one command into several.
func CheckRaw(what, payload string) error {
	if strings.ContainsAny(payload, "\r\n") {
		return message.Protocolf("%s %q contains a line break", what, payload)
	}
	return nil
}

// FormatDouble spells f the way the remote side parses doubles.
func FormatDouble(f float64) string {
	switch {
	case math.IsNaN(f):
		return NaN
	case math.IsInf(f, 1):
		return Infinity
	case math.IsInf(f, -1):
		return NegativeInfinity
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
