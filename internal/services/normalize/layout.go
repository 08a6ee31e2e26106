package normalize

var headerAliases = map[string][]string{
	"date":      {"date", "datum", "day"},
	"time":      {"time", "uhrzeit", "zeit"},
	"workplace": {"workplace", "arbeitsplatz", "arbpl", "workcenter"},
	"order":     {"ordernumber", "order", "auftrag", "auftragsnummer", "aufnr"},
	"operation": {"operationnumber", "operation", "vorgang", "vornr"},
	"material":  {"materialnumber", "material", "materialnummer", "matnr"},
	"cycle":     {"tesap", "cycletime", "cycleseconds", "zykluszeit", "te"},
}

// DetectLayout inspects the first row of a file. When its first field is not a date it is
// treated as a header and columns are mapped by name; otherwise DefaultLayout applies.
func (n *Normalizer) DetectLayout(first []string) (layout Layout, isHeader bool) {
	if len(first) == 0 {
		return DefaultLayout, false
	}
	if _, err := parseDate(first[0], n.opts.DateFormats); err == nil {
		return DefaultLayout, false
	}

	index := make(map[string]int, len(first))
	for i, name := range first {
		index[fieldKey(name)] = i
	}
	find := func(field string) int {
		for _, alias := range headerAliases[field] {
			if i, ok := index[alias]; ok {
				return i
			}
		}
		return -1
	}

	layout = Layout{
		Date:      find("date"),
		Time:      find("time"),
		Workplace: find("workplace"),
		Order:     find("order"),
		Operation: find("operation"),
		Material:  find("material"),
		Cycle:     find("cycle"),
	}
	if layout.Date < 0 && layout.Time < 0 && layout.Cycle < 0 {
		// unrecognised header: keep positional columns, still skip the row
		return DefaultLayout, true
	}
	return layout, true
}
