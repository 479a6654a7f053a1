package pgexec

import (
	"encoding/base64"
	"fmt"
	"math"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// decodeField decodes one raw field returned by the simple protocol. Types the
// type map does not know are returned as their text representation.
func decodeField(m *pgtype.Map, fd pgconn.FieldDescription, raw []byte) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	dt, ok := m.TypeForOID(fd.DataTypeOID)
	if !ok {
		if fd.Format == pgtype.TextFormatCode {
			return string(raw), nil
		}
		return raw, nil
	}
	v, err := dt.Codec.DecodeValue(m, fd.DataTypeOID, fd.Format, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode column %q (%s): %w", fd.Name, dt.Name, err)
	}
	return convertValue(v), nil
}

// convertValue converts a decoded value to a JSON-friendly Go type.
func convertValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case float32:
		return convertFloat(float64(val), val)
	case float64:
		return convertFloat(val, val)
	case netip.Prefix:
		return val.String()
	case net.HardwareAddr:
		return val.String()
	case pgtype.Time:
		if !val.Valid {
			return nil
		}
		return formatTimeOfDay(val.Microseconds)
	case pgtype.Interval:
		if !val.Valid {
			return nil
		}
		return formatInterval(val)
	case pgtype.Numeric:
		if !val.Valid {
			return nil
		}
		switch {
		case val.NaN:
			return "NaN"
		case val.InfinityModifier == pgtype.Infinity:
			return "Infinity"
		case val.InfinityModifier == pgtype.NegativeInfinity:
			return "-Infinity"
		}
		b, err := val.MarshalJSON()
		if err != nil {
			return nil
		}
		return string(b)
	case pgtype.Range[interface{}]:
		if !val.Valid {
			return nil
		}
		return formatRange(val)
	case pgtype.Point:
		if !val.Valid {
			return nil
		}
		return formatPoint(val.P)
	case pgtype.Line:
		if !val.Valid {
			return nil
		}
		return fmt.Sprintf("{%g,%g,%g}", val.A, val.B, val.C)
	case pgtype.Lseg:
		if !val.Valid {
			return nil
		}
		return "[" + formatPoints(val.P[:]) + "]"
	case pgtype.Box:
		if !val.Valid {
			return nil
		}
		return formatPoints(val.P[:])
	case pgtype.Path:
		if !val.Valid {
			return nil
		}
		if val.Closed {
			return "(" + formatPoints(val.P) + ")"
		}
		return "[" + formatPoints(val.P) + "]"
	case pgtype.Polygon:
		if !val.Valid {
			return nil
		}
		return "(" + formatPoints(val.P) + ")"
	case pgtype.Circle:
		if !val.Valid {
			return nil
		}
		return fmt.Sprintf("<%s,%g>", formatPoint(val.P), val.R)
	case pgtype.Bits:
		if !val.Valid {
			return nil
		}
		return formatBits(val)
	case [16]byte:
		// uuid
		return fmt.Sprintf("%x-%x-%x-%x-%x", val[0:4], val[4:6], val[6:8], val[8:10], val[10:16])
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	case string:
		return val
	case map[string]interface{}:
		result := make(map[string]interface{}, len(val))
		for k, item := range val {
			result[k] = convertValue(item)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, item := range val {
			result[i] = convertValue(item)
		}
		return result
	default:
		return val
	}
}

// convertFloat maps the IEEE specials json.Marshal rejects to the spelling
// Postgres uses. orig keeps float32 values as float32.
func convertFloat(f float64, orig interface{}) interface{} {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return orig
}

func formatTimeOfDay(us int64) string {
	hours := us / 3_600_000_000
	us -= hours * 3_600_000_000
	minutes := us / 60_000_000
	us -= minutes * 60_000_000
	seconds := us / 1_000_000
	us -= seconds * 1_000_000
	if us > 0 {
		return fmt.Sprintf("%02d:%02d:%02d.%06d", hours, minutes, seconds, us)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

func formatInterval(val pgtype.Interval) string {
	var parts []string
	if years := val.Months / 12; years != 0 {
		parts = append(parts, fmt.Sprintf("%d year(s)", years))
	}
	if months := val.Months % 12; months != 0 {
		parts = append(parts, fmt.Sprintf("%d mon(s)", months))
	}
	if val.Days != 0 {
		parts = append(parts, fmt.Sprintf("%d day(s)", val.Days))
	}
	if val.Microseconds != 0 {
		parts = append(parts, (time.Duration(val.Microseconds) * time.Microsecond).String())
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, " ")
}

func formatRange(val pgtype.Range[interface{}]) string {
	if val.LowerType == pgtype.Empty {
		return "empty"
	}
	var sb strings.Builder
	if val.LowerType == pgtype.Inclusive {
		sb.WriteByte('[')
	} else {
		sb.WriteByte('(')
	}
	if val.LowerType != pgtype.Unbounded {
		fmt.Fprintf(&sb, "%v", convertValue(val.Lower))
	}
	sb.WriteByte(',')
	if val.UpperType != pgtype.Unbounded {
		fmt.Fprintf(&sb, "%v", convertValue(val.Upper))
	}
	if val.UpperType == pgtype.Inclusive {
		sb.WriteByte(']')
	} else {
		sb.WriteByte(')')
	}
	return sb.String()
}

func formatPoint(p pgtype.Vec2) string {
	return fmt.Sprintf("(%g,%g)", p.X, p.Y)
}

func formatPoints(ps []pgtype.Vec2) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = formatPoint(p)
	}
	return strings.Join(parts, ",")
}

func formatBits(val pgtype.Bits) string {
	out := make([]byte, val.Len)
	for i := int32(0); i < val.Len; i++ {
		if val.Bytes[i/8]&(1<<uint(7-i%8)) != 0 {
			out[i] = '1'
		} else {
			out[i] = '0'
		}
	}
	return string(out)
}
