package detour

import (
	"errors"
	"fmt"
	"reflect"
)

// funcDifferences holds one entry per parameter position, nil where the two
// signatures agree.
type funcDifferences struct {
	In       []*argDifference
	Out      []*argDifference
	Variadic bool
}

func (d *funcDifferences) Err() error {
	errs := []error{}
	for i, arg := range d.In {
		if arg != nil {
			errs = append(errs, fmt.Errorf("argument %d: %v != %v", i, arg.A, arg.B))
		}
	}
	for i, out := range d.Out {
		if out != nil {
			errs = append(errs, fmt.Errorf("output %d: %v != %v", i, out.A, out.B))
		}
	}
	if d.Variadic {
		errs = append(errs, errors.New("only one function is variadic"))
	}

	return errors.Join(errs...)
}

// argDifference is a mismatched parameter. A or B is nil when that function
// has no parameter at the position.
type argDifference struct {
	A reflect.Type
	B reflect.Type
}

func diffFuncs(a, b reflect.Type) *funcDifferences {
	return &funcDifferences{
		In:       diffTypes(a.NumIn(), b.NumIn(), a.In, b.In),
		Out:      diffTypes(a.NumOut(), b.NumOut(), a.Out, b.Out),
		Variadic: a.IsVariadic() != b.IsVariadic(),
	}
}

func diffTypes(na, nb int, a, b func(int) reflect.Type) []*argDifference {
	diff := make([]*argDifference, max(na, nb))
	for i := range diff {
		var at, bt reflect.Type
		if i < na {
			at = a(i)
		}
		if i < nb {
			bt = b(i)
		}
		if at != bt {
			diff[i] = &argDifference{A: at, B: bt}
		}
	}
	return diff
}
