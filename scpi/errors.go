package scpi

import (
	"fmt"
	"strconv"
	"strings"
)

// Error is an entry from a SCPI instrument's error queue
type Error struct {
	Code int
	Msg  string
}

// Error satisfies stdlib error interface
func (e Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%d - %s", e.Code, e.Msg)
	}
	if s, ok := Errors[e.Code]; ok {
		return fmt.Sprintf("%d - %s", e.Code, s)
	}
	return fmt.Sprintf("%d - UNKNOWN ERROR CODE", e.Code)
}

// ParseError parses a response to :SYSTem:ERRor? such as `-113,"Undefined header"`.
// It returns nil for code zero.  A response that does not begin with an
// integer code is returned as an Error with code zero and the whole text as Msg
func ParseError(resp string) error {
	resp = strings.TrimSpace(resp)
	code, msg := resp, ""
	if idx := strings.IndexByte(resp, ','); idx != -1 {
		code, msg = resp[:idx], resp[idx+1:]
	}
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(code), "+"))
	if err != nil {
		return Error{Code: 0, Msg: resp}
	}
	if n == 0 {
		return nil
	}
	return Error{Code: n, Msg: strings.Trim(strings.TrimSpace(msg), `"`)}
}

var (
	// Errors maps standard SCPI and Keithley 2400 series error codes to strings
	Errors = map[int]string{
		-100: "COMMAND ERROR",
		-101: "INVALID CHARACTER",
		-102: "SYNTAX ERROR",
		-103: "INVALID SEPARATOR",
		-104: "DATA TYPE ERROR",
		-105: "GROUP EXECUTE TRIGGER NOT ALLOWED",
		-108: "PARAMETER NOT ALLOWED",
		-109: "MISSING PARAMETER",
		-110: "COMMAND HEADER ERROR",
		-113: "UNDEFINED HEADER (UNKNOWN COMMAND)",
		-115: "UNEXPECTED NUMBER OF PARAMETERS",
		-120: "NUMERIC DATA ERROR",
		-130: "SUFFIX ERROR",
		-131: "INVALID SUFFIX",
		-151: "INVALID STRING DATA",

		-213: "INIT IGNORED",
		-220: "PARAMETER ERROR",
		-221: "SETTINGS CONFLICT",
		-222: "DATA OUT OF RANGE",
		-230: "DATA CORRUPT OR STALE",
		-231: "DATA QUESTIONABLE",
		-240: "HARDWARE ERROR",
		-241: "HARDWARE MISSING",

		-310: "SYSTEM ERROR",
		-311: "MEMORY ERROR",
		-315: "CONFIGURATION MEMORY LOST",
		-330: "SELF-TEST FAILED",
		-350: "QUEUE OVERFLOW",
		-363: "INPUT BUFFER OVERRUN",

		-400: "QUERY ERROR",
		-410: "QUERY INTERRUPTED",
		-420: "QUERY UNTERMINATED",

		800: "ILLEGAL WITH STORAGE ACTIVE",
		802: "OUTPUT BLOCKS MEASUREMENT",
		803: "NOT PERMITTED WITH OUTPUT OFF",
	}
)
