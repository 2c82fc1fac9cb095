package utils

import (
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
)

var normalPadding = cli.Default.Padding

// Indent indents apex log line to supplied level
func Indent(f func(s string), level int) func(string) {
	return func(s string) {
		cli.Default.Padding = normalPadding * level
		f(s)
		cli.Default.Padding = normalPadding
	}
}

// ConvertStrToInt parses an address, offset or size given on the command
// line. Values with a 0x prefix or any hex digit are read as hex.
func ConvertStrToInt(intStr string) (uint64, error) {
	intStr = strings.ToLower(strings.TrimSpace(intStr))

	if strings.ContainsAny(intStr, "xabcdef") {
		hexStr := strings.TrimPrefix(intStr, "0x")
		hexStr = strings.TrimPrefix(hexStr, "x")
		if out, err := strconv.ParseUint(hexStr, 16, 64); err == nil {
			return out, nil
		}
		log.Warn("assuming given integer is in decimal")
	}
	return strconv.ParseUint(intStr, 10, 64)
}
