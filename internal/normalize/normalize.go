// Package normalize turns raw stream frames into canonical anomaly events.
//
// Two wire shapes are accepted: a JSON array of row objects, or a columnar
// object {"columns": [...], "values": [[...], ...]}. Both are resolved into a
// batch once at the parse boundary; everything downstream sees only
// []models.AnomalyEvent.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/traderat755/eastmoneywatch/internal/models"
)

// Wire keys of a row object.
const (
	KeySector   = "板块名称"
	KeyTime     = "时间"
	KeyName     = "名称"
	KeyCode     = "股票代码"
	KeyValue    = "四舍五入取整"
	KeyCategory = "类型"
	KeyPeriod   = "上下午"
	KeySign     = "sign"
	KeySignAlt  = "标识"
	KeyInfo     = "相关信息"
)

var (
	// ErrMalformedBatch is returned when a frame matches neither wire shape.
	ErrMalformedBatch = errors.New("malformed batch")
	// ErrServerReported is returned for an {"error": ...} frame.
	ErrServerReported = errors.New("server reported error")
)

type row map[string]interface{}

// batch is the tagged union of the two wire shapes.
type batch interface {
	rows() []row
}

type rowBatch []json.RawMessage

func (b rowBatch) rows() []row {
	out := make([]row, 0, len(b))
	for _, raw := range b {
		var r row
		if err := decode(raw, &r); err != nil || r == nil {
			// Non-object elements are malformed records, not a malformed batch.
			out = append(out, row{})
			continue
		}
		out = append(out, r)
	}
	return out
}

type columnarBatch struct {
	Columns []string        `json:"columns"`
	Values  [][]interface{} `json:"values"`
}

func (b columnarBatch) rows() []row {
	out := make([]row, 0, len(b.Values))
	for _, values := range b.Values {
		r := make(row, len(b.Columns))
		for i, col := range b.Columns {
			if i >= len(values) {
				break
			}
			r[col] = values[i]
		}
		out = append(out, r)
	}
	return out
}

type envelope struct {
	Columns *[]string        `json:"columns"`
	Values  *[][]interface{} `json:"values"`
	Error   interface{}      `json:"error"`
}

func decode(raw []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func parse(raw []byte) (batch, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedBatch)
	}

	switch trimmed[0] {
	case '[':
		var b rowBatch
		if err := decode(trimmed, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
		}
		return b, nil
	case '{':
		var env envelope
		if err := decode(trimmed, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
		}
		if env.Error != nil {
			return nil, fmt.Errorf("%w: %w: %v", ErrMalformedBatch, ErrServerReported, env.Error)
		}
		if env.Columns == nil || env.Values == nil {
			return nil, fmt.Errorf("%w: object frame without columns and values", ErrMalformedBatch)
		}
		return columnarBatch{Columns: *env.Columns, Values: *env.Values}, nil
	}
	return nil, fmt.Errorf("%w: unexpected frame start %q", ErrMalformedBatch, trimmed[0])
}

// DecodeBatch parses one frame and reports how many records it held before
// invalid ones were dropped. On error no events are returned and the caller
// must discard the whole batch. Records missing required fields are skipped
// individually.
func DecodeBatch(raw []byte) ([]models.AnomalyEvent, int, error) {
	b, err := parse(raw)
	if err != nil {
		return nil, 0, err
	}

	rows := b.rows()
	events := make([]models.AnomalyEvent, 0, len(rows))
	for _, r := range rows {
		e, ok := toEvent(r)
		if !ok {
			continue
		}
		events = append(events, e)
	}
	return events, len(rows), nil
}

func toEvent(r row) (models.AnomalyEvent, bool) {
	e := models.AnomalyEvent{
		Sector:   text(r[KeySector]),
		Time:     text(r[KeyTime]),
		Name:     text(r[KeyName]),
		Code:     text(r[KeyCode]),
		Value:    Value(r[KeyValue]),
		Category: text(r[KeyCategory]),
		Sign:     text(r[KeySign]),
		Info:     text(r[KeyInfo]),
	}
	if e.Sign == "" {
		e.Sign = text(r[KeySignAlt])
	}
	if err := e.Validate(); err != nil {
		return e, false
	}

	p, ok := models.ParsePeriod(text(r[KeyPeriod]))
	if !ok {
		if p, ok = models.PeriodFromTime(e.Time); !ok {
			return e, false
		}
	}
	e.Period = p
	return e, true
}

// Value canonicalises a wire change value. Only JSON numbers are accepted;
// anything else becomes "".
func Value(v interface{}) string {
	var s string
	switch n := v.(type) {
	case json.Number:
		s = n.String()
	case float64:
		return decimal.NewFromFloat(n).String()
	case int:
		return decimal.NewFromInt(int64(n)).String()
	case int64:
		return decimal.NewFromInt(n).String()
	default:
		return ""
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return ""
	}
	return d.String()
}

func text(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
