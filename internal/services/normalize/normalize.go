package normalize

import (
	"encoding/json"
	"strings"

	"cycletime-ingest/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const defaultScale = 6

// Normalizer turns raw CSV rows and API items into canonical records. It has no side effects.
type Normalizer struct {
	opts Options
}

// NewNormalizer creates a Normalizer, filling unset options with defaults
func NewNormalizer(opts Options) *Normalizer {
	if opts.Scale <= 0 {
		opts.Scale = defaultScale
	}
	if len(opts.DateFormats) == 0 {
		opts.DateFormats = DefaultDateFormats
	}
	if len(opts.TimeFormats) == 0 {
		opts.TimeFormats = DefaultTimeFormats
	}
	return &Normalizer{opts: opts}
}

// CSVRecord normalizes one drop-file row. A rejected row yields a *ValidationError and no record.
func (n *Normalizer) CSVRecord(origin Origin, layout Layout, row Row) (*models.CycleTimeRecord, error) {
	field := func(idx int) string {
		if idx < 0 || idx >= len(row.Fields) {
			return ""
		}
		return strings.TrimSpace(row.Fields[idx])
	}
	reject := func(name string, err error, value string) error {
		return &ValidationError{Field: name, Line: row.Line, Err: err, Value: value}
	}

	machine := strings.TrimSpace(row.Machine)
	if machine == "" {
		return nil, reject("machine_name", ErrMissing, "")
	}

	rawDate := field(layout.Date)
	date, err := parseDate(rawDate, n.opts.DateFormats)
	if err != nil {
		return nil, reject("date", err, rawDate)
	}

	rawTime := field(layout.Time)
	tod, err := parseTimeOfDay(rawTime, n.opts.TimeFormats)
	if err != nil {
		return nil, reject("time", err, rawTime)
	}

	workplace := field(layout.Workplace)
	if workplace == "" {
		return nil, reject("workplace", ErrMissing, "")
	}

	rawCycle := field(layout.Cycle)
	cycle, err := n.cycleSeconds(rawCycle)
	if err != nil {
		return nil, reject("cycle_seconds", err, rawCycle)
	}

	rec := &models.CycleTimeRecord{
		MachineName:     machine,
		Date:            date,
		Time:            tod,
		Workplace:       workplace,
		OrderNumber:     field(layout.Order),
		OperationNumber: field(layout.Operation),
		MaterialNumber:  field(layout.Material),
		CycleSeconds:    cycle,
		SourceFile:      origin.Source,
		BatchID:         origin.BatchID,
		ImportTimestamp: origin.ImportedAt,
	}
	rec.DedupKey = CycleTimeKey(rec).Hash()
	return rec, nil
}

// cycleSeconds parses, range-checks and optionally rounds a cycle time
func (n *Normalizer) cycleSeconds(v any) (decimal.Decimal, error) {
	d, err := ParseDecimal(v)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if d.IsNegative() {
		return decimal.Decimal{}, ErrNegative
	}
	if n.opts.RoundCycle {
		d = d.Round(n.opts.Scale)
	}
	return d, nil
}

// API item field aliases, compared after fieldKey folding
var (
	machineAliases   = []string{"machinename", "machine", "maschine", "machine.name", "resource", "equipment"}
	materialAliases  = []string{"materialnumber", "material", "materialno", "material.number", "materialnr"}
	cycleAliases     = []string{"cycletime", "cycleseconds", "cycletimeseconds", "tesap", "duration"}
	operationAliases = []string{"operationnumber", "operation", "operationno", "operation.number", "vorgang"}
	workplaceAliases = []string{"workplace", "workcenter", "workcentre", "arbeitsplatz", "workplace.name"}
	orderAliases     = []string{"ordernumber", "order", "orderno", "order.number", "auftrag"}
	timestampAliases = []string{"timestamp", "eventtime", "datetime", "createdat", "time", "ts"}
)

// APIRecord normalizes one REST item. Nested objects are flattened before field lookup.
func (n *Normalizer) APIRecord(origin Origin, item map[string]any) (*models.ApiRecord, error) {
	flat := make(map[string]any)
	for k, v := range Flatten(item) {
		flat[fieldKey(k)] = v
	}
	lookup := func(aliases []string) (any, bool) {
		for _, a := range aliases {
			if v, ok := flat[a]; ok && v != nil {
				return v, true
			}
		}
		return nil, false
	}
	text := func(aliases []string) string {
		v, _ := lookup(aliases)
		return stringify(v)
	}
	reject := func(name string, err error, value string) error {
		return &ValidationError{Field: name, Err: err, Value: value}
	}

	machine := text(machineAliases)
	if machine == "" {
		return nil, reject("machine_name", ErrMissing, "")
	}

	rawTS, _ := lookup(timestampAliases)
	ts, err := parseTimestamp(rawTS)
	if err != nil {
		return nil, reject("timestamp", err, stringify(rawTS))
	}

	var cycle decimal.NullDecimal
	if raw, ok := lookup(cycleAliases); ok && stringify(raw) != "" {
		d, err := n.cycleSeconds(raw)
		if err != nil {
			return nil, reject("cycle_time", err, stringify(raw))
		}
		cycle = decimal.NewNullDecimal(d)
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return nil, reject("raw_payload", ErrInvalid, "")
	}

	rec := &models.ApiRecord{
		MachineName:     machine,
		MaterialNumber:  text(materialAliases),
		CycleTime:       cycle,
		OperationNumber: text(operationAliases),
		Workplace:       text(workplaceAliases),
		OrderNumber:     text(orderAliases),
		Timestamp:       ts,
		RawPayload:      datatypes.JSON(payload),
		SourceEndpoint:  origin.Source,
		BatchID:         origin.BatchID,
		ImportTimestamp: origin.ImportedAt,
	}
	rec.DedupKey = APIKey(rec).Hash()
	return rec, nil
}
