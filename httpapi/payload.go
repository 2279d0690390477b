package httpapi

import (
	"encoding/json"
	"fmt"
	"go/types"
	"log"
	"net/http"
	"sort"

	"github.com/go-chi/chi"
)

// HumanPayload is a struct that encodes a single value of data
// with a human-readable type tag
type HumanPayload struct {
	// Float holds a float64 value
	Float float64

	// Int holds an int value
	Int int

	// String holds a string value
	String string

	// Bool holds a bool value
	Bool bool

	// T holds the type of data actually contained
	T types.BasicKind
}

// EncodeAndRespond converts the payload to JSON of shape {<typename>: value}
// and writes it to w
func (hp *HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var (
		obj interface{}
		err error
	)
	switch hp.T {
	case types.Float64:
		obj = FloatT{F64: hp.Float}
	case types.Int:
		obj = IntT{Int: hp.Int}
	case types.String:
		obj = StrT{Str: hp.String}
	case types.Bool:
		obj = BoolT{Bool: hp.Bool}
	default:
		err = fmt.Errorf("httpapi: unencodable payload type %v", hp.T)
	}
	if err == nil {
		err = json.NewEncoder(w).Encode(obj)
	}
	if err != nil {
		fstr := fmt.Sprintf("error encoding data to json %q", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// FloatT is a struct with a single field F64 used for json requests and responses
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single field Int used for json requests and responses
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single field Str used for json requests and responses
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single field Bool used for json requests and responses
type BoolT struct {
	Bool bool `json:"bool"`
}

// MethodPath is a route fragment: an HTTP method and a URL path
type MethodPath struct {
	// Method is the HTTP method, from net/http's constants
	Method string

	// Path is the URL path, with a leading slash
	Path string
}

// RouteTable maps method-path pairs to the handlers serving them
type RouteTable map[MethodPath]http.HandlerFunc

// Bind registers every route in the table on r
func (rt RouteTable) Bind(r chi.Router) {
	for mp, handler := range rt {
		r.Method(mp.Method, mp.Path, handler)
	}
	r.Get("/endpoints", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rt.Endpoints()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// Endpoints lists the routes in sorted "METHOD /path" form
func (rt RouteTable) Endpoints() []string {
	out := make([]string, 0, len(rt))
	for mp := range rt {
		out = append(out, mp.Method+" "+mp.Path)
	}
	sort.Strings(out)
	return out
}
