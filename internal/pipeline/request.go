package pipeline

import (
	"errors"
	"fmt"
	"strconv"
)

var ErrUsage = errors.New("expected no arguments or <keyFieldName> <keyFieldValue>")

// Request selects a full refresh or a keyed refresh of the rows related to
// one key field value.
type Request struct {
	KeyField string `json:"key_field,omitempty"`
	KeyValue int    `json:"key_value,omitempty"`
	Keyed    bool   `json:"keyed"`
}

func FullRefresh() Request {
	return Request{}
}

func KeyedRefresh(field string, value int) Request {
	return Request{KeyField: field, KeyValue: value, Keyed: true}
}

// ParseRequest accepts either zero arguments or a key field name followed by
// an integer value.
func ParseRequest(args []string) (Request, error) {
	switch len(args) {
	case 0:
		return FullRefresh(), nil
	case 2:
		if args[0] == "" {
			return Request{}, fmt.Errorf("%w: empty key field name", ErrUsage)
		}
		value, err := strconv.Atoi(args[1])
		if err != nil {
			return Request{}, fmt.Errorf("%w: key field value %q is not an integer", ErrUsage, args[1])
		}
		return KeyedRefresh(args[0], value), nil
	default:
		return Request{}, fmt.Errorf("%w: got %d arguments", ErrUsage, len(args))
	}
}

// Args are the trailing arguments of every gatherer and populator.
func (r Request) Args() []string {
	if !r.Keyed {
		return nil
	}
	return []string{r.KeyField, strconv.Itoa(r.KeyValue)}
}

func (r Request) String() string {
	if !r.Keyed {
		return "full"
	}
	return r.KeyField + "=" + strconv.Itoa(r.KeyValue)
}
