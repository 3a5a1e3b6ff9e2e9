// Package server contains misc server utilities.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"log"
	"net/http"
)

// FloatT is a struct with a single float64 field, F64, serialized as {"f64": x}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// BoolT is a struct with a single bool field, Bool, serialized as {"bool": x}
type BoolT struct {
	Bool bool `json:"bool"`
}

// StrT is a struct with a single string field, Str, serialized as {"str": x}
type StrT struct {
	Str string `json:"str"`
}

// IntT is a struct with a single int field, Int, serialized as {"int": x}
type IntT struct {
	Int int `json:"int"`
}

// HumanPayload is a struct containing the basic types an HTTP route may return.
// T selects which field is encoded
type HumanPayload struct {
	T      types.BasicKind
	Bool   bool
	Float  float64
	Int    int
	String string
}

// EncodeAndRespond writes the field selected by T to w as JSON
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Bool:
		v = BoolT{Bool: hp.Bool}
	case types.Float64:
		v = FloatT{F64: hp.Float}
	case types.Int:
		v = IntT{Int: hp.Int}
	case types.String:
		v = StrT{Str: hp.String}
	default:
		fstr := fmt.Sprintf("server.HumanPayload cannot encode type %d", hp.T)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}
	ReplyJSON(w, v)
}

// ReplyJSON encodes v as the JSON body of a 200 response
func ReplyJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		fstr := fmt.Sprintf("error encoding data to json %q", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}
