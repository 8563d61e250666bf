package registry

import (
	"fmt"
	"strconv"
)

// ArgValue is a validated argument value tagged with its kind. Caller-supplied
// JSON never crosses the subprocess boundary untyped; everything is converted
// to an ArgValue against the tool's ArgSpec first.
type ArgValue struct {
	Name string
	Kind ArgType
	Str  string
	Num  float64
	Bool bool
}

// String renders the value as it will appear in the process argument vector.
func (v ArgValue) String() string {
	switch v.Kind {
	case ArgNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case ArgBoolean:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

// Args holds validated values in the tool's declared argument order.
// Optional arguments that were not supplied are simply absent.
type Args []ArgValue

// Get returns the value for name, if supplied.
func (a Args) Get(name string) (ArgValue, bool) {
	for _, v := range a {
		if v.Name == name {
			return v, true
		}
	}
	return ArgValue{}, false
}

func convertValue(spec *ArgSpec, raw any) (ArgValue, error) {
	v := ArgValue{Name: spec.Name, Kind: spec.Type}

	switch spec.Type {
	case ArgString, ArgFilePath:
		s, ok := raw.(string)
		if !ok {
			return v, fmt.Errorf("%w: argument %q must be a %s", ErrInvalidArgs, spec.Name, spec.Type)
		}
		if s == "" {
			return v, fmt.Errorf("%w: argument %q is empty", ErrInvalidArgs, spec.Name)
		}
		v.Str = s
	case ArgNumber:
		n, ok := raw.(float64)
		if !ok {
			// Callers constructing requests in Go often pass ints.
			switch i := raw.(type) {
			case int:
				n, ok = float64(i), true
			case int64:
				n, ok = float64(i), true
			}
		}
		if !ok {
			return v, fmt.Errorf("%w: argument %q must be a number", ErrInvalidArgs, spec.Name)
		}
		v.Num = n
	case ArgBoolean:
		b, ok := raw.(bool)
		if !ok {
			return v, fmt.Errorf("%w: argument %q must be a boolean", ErrInvalidArgs, spec.Name)
		}
		v.Bool = b
	default:
		return v, fmt.Errorf("%w: argument %q has unknown type %q", ErrInvalidArgs, spec.Name, spec.Type)
	}

	return v, checkConstraints(spec, v)
}

func checkConstraints(spec *ArgSpec, v ArgValue) error {
	switch spec.Type {
	case ArgNumber:
		if spec.Min != nil && v.Num < *spec.Min {
			return fmt.Errorf("%w: argument %q below minimum %v", ErrInvalidArgs, spec.Name, *spec.Min)
		}
		if spec.Max != nil && v.Num > *spec.Max {
			return fmt.Errorf("%w: argument %q above maximum %v", ErrInvalidArgs, spec.Name, *spec.Max)
		}
	case ArgString, ArgFilePath:
		if spec.compiled != nil && !spec.compiled.MatchString(v.Str) {
			return fmt.Errorf("%w: argument %q does not match pattern %q", ErrInvalidArgs, spec.Name, spec.Pattern)
		}
		if len(spec.AllowedValues) > 0 {
			allowed := false
			for _, av := range spec.AllowedValues {
				if v.Str == av {
					allowed = true
					break
				}
			}
			if !allowed {
				return fmt.Errorf("%w: argument %q must be one of %v", ErrInvalidArgs, spec.Name, spec.AllowedValues)
			}
		}
	}
	return nil
}
