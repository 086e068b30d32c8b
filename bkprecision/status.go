package bkprecision

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrFieldAbsent means the reply was well formed but did not carry the field.
	// The 4054B omits burst fields while burst mode is off, for example.
	ErrFieldAbsent = errors.New("bkprecision: field absent from status reply")

	// ErrMalformedReply means the reply could not be read as FIELD,value pairs
	ErrMalformedReply = errors.New("bkprecision: malformed status reply")
)

// RecognizedFields are the status fields the panel knows how to extract
var RecognizedFields = []string{"TIME", "DLAY", "FRQ", "AMP", "OFST", "DUTY", "PERI", "WIDTH", "C1:BTWV STATE"}

// fields the instrument echoes without a trailing unit
var rawFields = map[string]bool{
	"TIME":          true,
	"DUTY":          true,
	"WIDTH":         true,
	"C1:BTWV STATE": true,
}

var fieldPatterns = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(RecognizedFields))
	for _, f := range RecognizedFields {
		m[f] = regexp.MustCompile(`(?:^|[ ,])` + regexp.QuoteMeta(f) + `,([^,]+)`)
	}
	return m
}()

func wellFormed(reply string) bool {
	reply = strings.TrimSpace(reply)
	return reply != "" && strings.Contains(reply, ",")
}

// units the instrument appends to dimensioned values, longest first
var units = []string{"HZ", "S", "V"}

// stripUnit removes a trailing unit from value.  An SI prefix in front of the
// unit (the m of 100mV) is not a unit and is left in place.
func stripUnit(value string) string {
	upper := strings.ToUpper(value)
	for _, u := range units {
		if len(value) > len(u) && strings.HasSuffix(upper, u) {
			return value[:len(value)-len(u)]
		}
	}
	return value
}

// clean drops the unit the instrument appends to dimensioned values,
// e.g. 5.0V => 5.0, 1000HZ => 1000.  What is left must be a plain number.
func clean(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if rawFields[field] {
		return value, nil
	}
	num := stripUnit(value)
	if _, err := strconv.ParseFloat(num, 64); err != nil {
		return "", errors.Wrapf(ErrMalformedReply, "%s,%s", field, value)
	}
	return num, nil
}

// ExtractField pulls a single recognized field out of a status reply of the
// form FIELD1,value1,FIELD2,value2,...
func ExtractField(reply, field string) (string, error) {
	if !wellFormed(reply) {
		return "", errors.Wrapf(ErrMalformedReply, "%q", reply)
	}
	re, ok := fieldPatterns[field]
	if !ok {
		return "", errors.Wrapf(ErrFieldAbsent, "%s is not a recognized field", field)
	}
	m := re.FindStringSubmatch(reply)
	if m == nil {
		return "", errors.Wrapf(ErrFieldAbsent, "%s in %q", field, reply)
	}
	return clean(field, m[1])
}

// ParseStatus extracts every recognized field present in a status reply.  A
// dimensioned field that does not hold a plain number fails the whole reply.
func ParseStatus(reply string) (map[string]string, error) {
	if !wellFormed(reply) {
		return nil, errors.Wrapf(ErrMalformedReply, "%q", reply)
	}
	out := make(map[string]string)
	for _, f := range RecognizedFields {
		m := fieldPatterns[f].FindStringSubmatch(reply)
		if m == nil {
			continue
		}
		v, err := clean(f, m[1])
		if err != nil {
			return nil, err
		}
		out[f] = v
	}
	return out, nil
}
