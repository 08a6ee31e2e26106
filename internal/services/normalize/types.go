package normalize

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissing and ErrInvalid classify validation failures
var (
	ErrMissing  = errors.New("missing")
	ErrNegative = errors.New("negative")
	ErrInvalid  = errors.New("unparsable")
)

// ValidationError is a row-level rejection. It is returned, never panicked, so callers can count it.
type ValidationError struct {
	Field string
	Line  int // 0 for API items
	Err   error
	Value string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Field, e.Err)
	if e.Value != "" {
		msg = fmt.Sprintf("%s %q", msg, e.Value)
	}
	if e.Line > 0 {
		msg = fmt.Sprintf("line %d: %s", e.Line, msg)
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Origin is the batch context stamped on every record produced by one batch
type Origin struct {
	Source     string // file path or endpoint name
	BatchID    string
	ImportedAt time.Time
}

// Options control coercion
type Options struct {
	RoundCycle  bool  // round cycle seconds to Scale places
	Scale       int32 // defaults to 6
	DateFormats []string
	TimeFormats []string
}

// DefaultDateFormats are tried in order when parsing CSV dates
var DefaultDateFormats = []string{"2006-01-02", "02.01.2006", "2006/01/02", "01/02/2006"}

// DefaultTimeFormats are tried in order when parsing CSV times
var DefaultTimeFormats = []string{"15:04:05.999999999", "15:04:05", "15:04"}

// Row is one raw CSV line of a per-machine drop file
type Row struct {
	Machine string
	Line    int
	Fields  []string
}

// Layout maps CSV columns to record fields. -1 marks an absent column.
type Layout struct {
	Date      int
	Time      int
	Workplace int
	Order     int
	Operation int
	Material  int
	Cycle     int
}

// DefaultLayout is the column order of header-less drop files:
// date,time,workplace,order_number,operation_number,material_number,te_sap
var DefaultLayout = Layout{Date: 0, Time: 1, Workplace: 2, Order: 3, Operation: 4, Material: 5, Cycle: 6}
